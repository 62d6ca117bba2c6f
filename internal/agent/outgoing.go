package agent

import (
	"net/http"

	"api-governance-agent/internal/event"
)

// RoundTripper records calls made through next as outgoing events. Outgoing
// calls are sampled and queued but never governed. Calls to the collector
// itself are passed through untouched.
func (a *Agent) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &roundTripper{agent: a, next: next}
}

type roundTripper struct {
	agent *Agent
	next  http.RoundTripper
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	a := t.agent
	if a.deps.Collector != nil && a.deps.Collector.Owns(req.URL) {
		return t.next.RoundTrip(req)
	}

	start := a.now().UTC()
	var reqBody []byte
	if a.opts.LogBody && req.Body != nil && req.GetBody != nil {
		// GetBody hands out a fresh copy, leaving req.Body for the transport.
		if rc, err := req.GetBody(); err == nil {
			reqBody, _, _ = drain(rc)
		}
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	end := a.now().UTC()

	var respBody []byte
	if a.opts.LogBody {
		b, body, rerr := drain(resp.Body)
		if rerr != nil {
			a.log.Warn().Err(rerr).Str("uri", req.URL.String()).Msg("reading outgoing response body")
		}
		respBody, resp.Body = b, body
	}

	x := &Exchange{Request: req, Status: resp.StatusCode, Header: resp.Header, Body: respBody}
	if callSkip(a.log, a.opts.Hooks.Skip, x) {
		return resp, nil
	}

	ev := a.buildEvent(event.Outgoing, req.URL.String(), req, reqBody, x, start, end)
	userID, companyID := a.identify(ev, x)
	a.capture(ev, userID, companyID)
	return resp, nil
}
