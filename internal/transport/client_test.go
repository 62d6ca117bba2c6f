package transport

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-governance-agent/internal/event"
	"api-governance-agent/internal/governance"
	"api-governance-agent/internal/profile"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, ApplicationID: "app-1"}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Options{ApplicationID: "a", BaseURL: "not a url"}, zerolog.Nop())
	assert.Error(t, err)

	c, err := New(Options{ApplicationID: "a"}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, c.Owns(&url.URL{Scheme: "https", Host: "api.collector.local", Path: "/v1/events"}))
	assert.False(t, c.Owns(&url.URL{Scheme: "https", Host: "example.com"}))
}

func TestFetchConfig(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/config", r.URL.Path)
		assert.Equal(t, "app-1", r.Header.Get(HeaderApplicationID))
		w.Header().Set(HeaderConfigETag, "etag-1")
		w.Write([]byte(`{"sample_rate": 40}`))
	})

	body, etag, err := c.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "etag-1", etag)
	assert.JSONEq(t, `{"sample_rate": 40}`, string(body))
}

func TestFetchRules_Gzip(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		io.WriteString(gz, `[{"_id": "r1", "type": "regex", "block": true, "response": {"status": 403}}]`)
	})

	rs, err := c.FetchRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "r1", rs[0].ID)
	assert.Equal(t, governance.RuleTypeRegex, rs[0].Type)
	assert.Equal(t, 403, rs[0].Response.Status)
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		status       int
		unauthorized bool
	}{
		{status: 401, unauthorized: true},
		{status: 403, unauthorized: true},
		{status: 404},
		{status: 500},
	}
	for _, tt := range tests {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		})
		_, _, err := c.FetchConfig(context.Background())

		var se *StatusError
		require.True(t, errors.As(err, &se), "status %d", tt.status)
		assert.Equal(t, tt.status, se.Code)
		assert.Equal(t, tt.unauthorized, errors.Is(err, ErrUnauthorized), "status %d", tt.status)
		assert.Equal(t, !tt.unauthorized, errors.Is(err, ErrTransport), "status %d", tt.status)
	}
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New(Options{BaseURL: srv.URL, ApplicationID: "a"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.SubmitBatch(context.Background(), []*event.Event{{}})
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestSubmitBatch(t *testing.T) {
	var got []event.Event
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/events/batch", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set(HeaderConfigETag, "etag-2")
		w.WriteHeader(http.StatusCreated)
	})

	etag, err := c.SubmitBatch(context.Background(), []*event.Event{
		{Request: event.Request{Verb: "GET", URI: "/a"}, Weight: 2},
		{Request: event.Request{Verb: "POST", URI: "/b"}, Direction: event.Outgoing},
	})
	require.NoError(t, err)
	assert.Equal(t, "etag-2", etag)
	require.Len(t, got, 2)
	assert.Equal(t, "/b", got[1].Request.URI)
	assert.Equal(t, 2, got[0].Weight)
}

func TestUpdateUser_ValidationNeverCallsBackend(t *testing.T) {
	calls := 0
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) { calls++ })

	err := c.UpdateUser(context.Background(), profile.User{CompanyID: "c"})
	assert.ErrorIs(t, err, profile.ErrMissingID)
	err = c.UpdateCompany(context.Background(), profile.Company{})
	assert.ErrorIs(t, err, profile.ErrMissingID)
	assert.Zero(t, calls)

	require.NoError(t, c.UpdateUser(context.Background(), profile.User{UserID: "u"}))
	require.NoError(t, c.UpdateCompaniesBatch(context.Background(), []profile.Company{{CompanyID: "c"}}))
	assert.Equal(t, 2, calls)
}
