package event

import "time"

// Direction of a captured transaction relative to the instrumented service.
type Direction string

const (
	Incoming Direction = "Incoming"
	Outgoing Direction = "Outgoing"
)

// TransferEncodingBase64 marks a body that could not be parsed as JSON.
const TransferEncodingBase64 = "base64"

type Request struct {
	Time             time.Time         `json:"time"`
	URI              string            `json:"uri"`
	Verb             string            `json:"verb"`
	APIVersion       string            `json:"api_version,omitempty"`
	IPAddress        string            `json:"ip_address,omitempty"`
	Headers          map[string]string `json:"headers"`
	Body             any               `json:"body,omitempty"`
	TransferEncoding string            `json:"transfer_encoding,omitempty"`
}

type Response struct {
	Time             time.Time         `json:"time"`
	Status           int               `json:"status"`
	Headers          map[string]string `json:"headers"`
	Body             any               `json:"body,omitempty"`
	TransferEncoding string            `json:"transfer_encoding,omitempty"`
}

// Event is one captured transaction. It is built once per transaction and
// must not be mutated after it has been handed to the queue.
type Event struct {
	Request      Request        `json:"request"`
	Response     Response       `json:"response"`
	UserID       string         `json:"user_id,omitempty"`
	CompanyID    string         `json:"company_id,omitempty"`
	SessionToken string         `json:"session_token,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Direction    Direction      `json:"direction"`
	Weight       int            `json:"weight,omitempty"`
	BlockedBy    string         `json:"blocked_by,omitempty"`
}

// RequestBody returns the parsed request body when it is a JSON object.
func (e *Event) RequestBody() map[string]any {
	if e == nil {
		return nil
	}
	m, _ := e.Request.Body.(map[string]any)
	return m
}
