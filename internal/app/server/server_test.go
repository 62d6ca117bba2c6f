package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-governance-agent/internal/config"
	"api-governance-agent/internal/event"
	"api-governance-agent/internal/transport"
)

const pauseIntakeRule = `[{
	"_id": "pause-intake",
	"type": "regex",
	"block": true,
	"regex_config": [{"conditions": [
		{"path": "request.route", "value": "^/v1/orders$"},
		{"path": "request.verb", "value": "POST"}
	]}],
	"response": {"status": 429, "body": {"error": "order intake paused"}}
}]`

// fakeCollector serves config and rules and records submitted events.
type fakeCollector struct {
	rules  string
	mu     sync.Mutex
	appIDs []string
	events []event.Event
}

func (f *fakeCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appIDs = append(f.appIDs, r.Header.Get(transport.HeaderApplicationID))

	switch r.URL.Path {
	case "/v1/config":
		w.Header().Set(transport.HeaderConfigETag, "e1")
		_, _ = w.Write([]byte(`{"sample_rate": 100}`))
	case "/v1/rules":
		_, _ = w.Write([]byte(f.rules))
	case "/v1/events/batch":
		var evs []event.Event
		if err := json.NewDecoder(r.Body).Decode(&evs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.events = append(f.events, evs...)
		w.Header().Set(transport.HeaderConfigETag, "e1")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCollector) received() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Event(nil), f.events...)
}

func testConfig(baseURL string) config.Config {
	var cfg config.Config
	cfg.Server.Addr = ":0"
	cfg.Agent.ApplicationID = "app-1"
	cfg.Agent.BaseURL = baseURL
	cfg.Agent.BatchSize = 10
	cfg.Agent.EventQueueSize = 100
	cfg.Agent.BatchMaxTime = time.Hour
	cfg.Agent.ConfigStaleness = time.Hour
	cfg.Agent.RulesStaleness = time.Hour
	cfg.Agent.RefreshRetryInterval = time.Minute
	cfg.Agent.WorkerStallThreshold = time.Minute
	cfg.Agent.WatchdogSchedule = "@every 1m"
	cfg.Agent.RequestTimeout = 2 * time.Second
	cfg.Agent.LogBody = true
	cfg.Agent.PolicySource = config.PolicySourceRemote
	return cfg
}

func send(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestApp_GovernsAndShipsEvents(t *testing.T) {
	collector := &fakeCollector{rules: pauseIntakeRule}
	cs := httptest.NewServer(collector)
	defer cs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := New(ctx, testConfig(cs.URL), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))

	h := app.Handler()
	rr := send(t, h, http.MethodPost, "/v1/orders", `{"item": "book", "quantity": 1}`, map[string]string{"X-Company-Id": "acme"})
	assert.Equal(t, 429, rr.Code)
	assert.JSONEq(t, `{"error": "order intake paused"}`, rr.Body.String())

	rr = send(t, h, http.MethodGet, "/v1/orders", "", map[string]string{"X-User-Id": "u-1"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = send(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	require.NoError(t, app.Shutdown(shCtx))

	evs := collector.received()
	require.Len(t, evs, 2)
	assert.Equal(t, "pause-intake", evs[0].BlockedBy)
	assert.Equal(t, "acme", evs[0].CompanyID)
	assert.Equal(t, 429, evs[0].Response.Status)
	assert.Equal(t, "u-1", evs[1].UserID)
	assert.Equal(t, event.Incoming, evs[1].Direction)

	for _, id := range collector.appIDs {
		assert.Equal(t, "app-1", id)
	}
	assert.False(t, app.scheduler.IsRunning())
}

func TestApp_CapturesOutgoingQuoteCalls(t *testing.T) {
	collector := &fakeCollector{rules: `[]`}
	cs := httptest.NewServer(collector)
	defer cs.Close()
	pricing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 3}`))
	}))
	defer pricing.Close()

	cfg := testConfig(cs.URL)
	cfg.Server.QuoteURL = pricing.URL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))

	h := app.Handler()
	rr := send(t, h, http.MethodPost, "/v1/orders", `{"item": "pen", "quantity": 1}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var o struct{ ID string }
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &o))

	rr = send(t, h, http.MethodGet, "/v1/orders/"+o.ID+"/quote", "", map[string]string{"X-User-Id": "u-9"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"price":3`)

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	require.NoError(t, app.Shutdown(shCtx))

	evs := collector.received()
	require.Len(t, evs, 3, "order, upstream call, quote")
	out := evs[1]
	assert.Equal(t, event.Outgoing, out.Direction)
	assert.True(t, strings.HasPrefix(out.Request.URI, pricing.URL), out.Request.URI)
	assert.Equal(t, "u-9", out.UserID)
	assert.Equal(t, map[string]any{"price": float64(3)}, out.Response.Body)
	assert.Empty(t, out.BlockedBy)
}

func TestNew_RequiresApplicationID(t *testing.T) {
	cfg := testConfig("http://collector.invalid")
	cfg.Agent.ApplicationID = ""
	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "application id is required")
}

func TestNew_PostgresBadDSN(t *testing.T) {
	cfg := testConfig("http://collector.invalid")
	cfg.Agent.PolicySource = config.PolicySourcePostgres
	cfg.Postgres.Host = "%%invalid"
	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestApp_StartRejectsBadSchedule(t *testing.T) {
	cs := httptest.NewServer(&fakeCollector{})
	defer cs.Close()

	cfg := testConfig(cs.URL)
	cfg.Agent.WatchdogSchedule = "whenever"
	app, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorContains(t, app.Start(context.Background()), "invalid cron schedule")
}
