package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"api-governance-agent/internal/clientip"
	"api-governance-agent/internal/event"
	"api-governance-agent/internal/governance"
)

// recorder buffers the downstream response so governance can rewrite it
// before anything reaches the client.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder { return &recorder{header: http.Header{}} }

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *recorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Middleware captures and governs every transaction served by next.
func (a *Agent) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := a.now().UTC()
		txID := a.transactionID(r)

		var reqBody []byte
		if a.opts.LogBody {
			b, body, err := drain(r.Body)
			if err != nil {
				a.log.Warn().Err(err).Str("uri", r.URL.Path).Msg("reading request body")
			}
			reqBody, r.Body = b, body
		}

		rec := newRecorder()
		next.ServeHTTP(rec, r)
		end := a.now().UTC()
		if txID != "" {
			rec.header.Set(HeaderTransactionID, txID)
		}

		x := &Exchange{Request: r, Status: rec.statusCode(), Header: rec.header, Body: rec.body.Bytes()}
		if callSkip(a.log, a.opts.Hooks.Skip, x) {
			writeResponse(w, rec.header, x.Status, x.Body)
			return
		}

		ev := a.buildEvent(event.Incoming, incomingURI(r), r, reqBody, x, start, end)
		ev.Request.IPAddress = clientip.FromRequest(r)
		userID, companyID := a.identify(ev, x)

		cfg := a.deps.Config.Current()
		before := flatten(rec.header)
		governed := a.deps.Rules.Govern(governance.Transaction{
			Event:          ev,
			Response:       governance.Response{Status: x.Status, Headers: before, Body: ev.Response.Body},
			UserID:         userID,
			CompanyID:      companyID,
			UserCohorts:    cfg.UserCohorts(userID),
			CompanyCohorts: cfg.CompanyCohorts(companyID),
		})

		header, body := a.applyGoverned(rec.header, before, governed, x.Body)
		writeResponse(w, header, governed.Status, body)

		ev.Response.Status = governed.Status
		ev.Response.Headers = flatten(header)
		if governed.BlockedBy != "" {
			ev.BlockedBy = governed.BlockedBy
			ev.Response.TransferEncoding = ""
			ev.Response.Body = nil
			if a.opts.LogBody {
				ev.Response.Body = governed.Body
			}
			a.log.Debug().Str("uri", ev.Request.URI).Str("rule", governed.BlockedBy).Int("status", governed.Status).Msg("transaction blocked")
		}
		a.capture(ev, userID, companyID)
	})
}

// applyGoverned folds a governance result back onto the recorded response.
// Headers the rules did not change keep all their original values.
func (a *Agent) applyGoverned(orig http.Header, before map[string]string, governed governance.Response, body []byte) (http.Header, []byte) {
	h := orig.Clone()
	for k, v := range governed.Headers {
		if prev, ok := before[k]; !ok || prev != v {
			h.Set(k, v)
		}
	}
	if governed.BlockedBy == "" {
		return h, body
	}

	h.Del("Content-Length")
	if governed.Body == nil {
		return h, nil
	}
	out, err := json.Marshal(governed.Body)
	if err != nil {
		a.log.Warn().Err(err).Str("rule", governed.BlockedBy).Msg("encoding governed body")
		return h, nil
	}
	if governed.Headers["Content-Type"] == before["Content-Type"] {
		h.Set("Content-Type", "application/json")
	}
	return h, out
}

func writeResponse(w http.ResponseWriter, h http.Header, status int, body []byte) {
	dst := w.Header()
	for k, vs := range h {
		dst[k] = vs
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		w.Write(body)
	}
}

// identify runs the identification hooks and records their results on ev.
func (a *Agent) identify(ev *event.Event, x *Exchange) (userID, companyID string) {
	h := a.opts.Hooks
	ev.UserID = callString(a.log, "identify_user", h.IdentifyUser, x)
	ev.CompanyID = callString(a.log, "identify_company", h.IdentifyCompany, x)
	ev.SessionToken = callString(a.log, "identify_session", h.IdentifySession, x)
	ev.Metadata = callMetadata(a.log, h.GetMetadata, x)
	return ev.UserID, ev.CompanyID
}

func (a *Agent) transactionID(r *http.Request) string {
	if a.opts.DisableTransactionID {
		return ""
	}
	id := r.Header.Get(HeaderTransactionID)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(HeaderTransactionID, id)
	}
	return id
}

func (a *Agent) buildEvent(dir event.Direction, uri string, r *http.Request, reqBody []byte, x *Exchange, start, end time.Time) *event.Event {
	ev := &event.Event{
		Direction: dir,
		Request: event.Request{
			Time:       start,
			URI:        uri,
			Verb:       r.Method,
			APIVersion: a.opts.APIVersion,
			Headers:    flatten(r.Header),
		},
		Response: event.Response{
			Time:    end,
			Status:  x.Status,
			Headers: flatten(x.Header),
		},
	}
	if a.opts.LogBody {
		ev.Request.Body, ev.Request.TransferEncoding = encodeBody(reqBody)
		ev.Response.Body, ev.Response.TransferEncoding = encodeBody(x.Body)
	}
	return ev
}

func incomingURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
