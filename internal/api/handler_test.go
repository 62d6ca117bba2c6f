package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-governance-agent/internal/agent"
	"api-governance-agent/internal/appconfig"
	"api-governance-agent/internal/event"
	"api-governance-agent/internal/governance"
	"api-governance-agent/internal/profile"
	"api-governance-agent/internal/queue"
	"api-governance-agent/internal/rules"
)

type MockAgent struct {
	mu        sync.Mutex
	wrapped   int
	reloadErr error
	users     []profile.User
	companies []profile.Company
}

func (m *MockAgent) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.wrapped++
		m.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (m *MockAgent) Reload(ctx context.Context) error { return m.reloadErr }

func (m *MockAgent) UpdateUsersBatch(ctx context.Context, us []profile.User) {
	m.users = append(m.users, us...)
}

func (m *MockAgent) UpdateCompaniesBatch(ctx context.Context, cs []profile.Company) {
	m.companies = append(m.companies, cs...)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestOrders_Scenarios(t *testing.T) {
	m := &MockAgent{}
	r := Router(NewHandler(m, nil, ""))

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{"invalid json", http.MethodPost, `{`, http.StatusBadRequest},
		{"missing item", http.MethodPost, `{"quantity": 1}`, http.StatusBadRequest},
		{"zero quantity", http.MethodPost, `{"item": "book", "quantity": 0}`, http.StatusBadRequest},
		{"created", http.MethodPost, `{"item": "book", "quantity": 2, "company_id": "acme"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, tt.method, "/v1/orders", tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}

	rr := do(t, r, http.MethodGet, "/v1/orders?company_id=acme", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []Order
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "book", list[0].Item)

	rr = do(t, r, http.MethodGet, "/v1/orders/"+list[0].ID, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, r, http.MethodGet, "/v1/orders/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, r, http.MethodGet, "/v1/orders?company_id=other", "")
	assert.JSONEq(t, `[]`, rr.Body.String())

	assert.Equal(t, 8, m.wrapped, "every /v1 request passes through the agent")
}

func TestRouter_OperationalRoutesBypassAgent(t *testing.T) {
	m := &MockAgent{}
	r := Router(NewHandler(m, nil, ""))

	rr := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())

	rr = do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "agent_http_requests_total")

	rr = do(t, r, http.MethodPost, "/admin/reload", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.Zero(t, m.wrapped)
}

func TestReload_Failure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"backend error", errors.New("collector down"), http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Router(NewHandler(&MockAgent{reloadErr: tt.err}, nil, ""))
			rr := do(t, r, http.MethodPost, "/admin/reload", "")
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestProfiles_ForwardedToAgent(t *testing.T) {
	m := &MockAgent{}
	r := Router(NewHandler(m, nil, ""))

	rr := do(t, r, http.MethodPost, "/v1/users", `[{"user_id": "u-1"}, {"company_id": "acme"}]`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	rr = do(t, r, http.MethodPost, "/v1/companies", `[{"company_id": "acme"}]`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	rr = do(t, r, http.MethodPost, "/v1/companies", `{"company_id": "acme"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Len(t, m.users, 2, "validation is the agent's job")
	assert.Equal(t, []profile.Company{{CompanyID: "acme"}}, m.companies)
}

func TestQuote(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("item") == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 12.5}`))
	}))
	defer upstream.Close()

	r := Router(NewHandler(&MockAgent{}, upstream.Client(), upstream.URL))
	order := func(item string) string {
		rr := do(t, r, http.MethodPost, "/v1/orders", `{"item": "`+item+`", "quantity": 1}`)
		require.Equal(t, http.StatusCreated, rr.Code)
		var o Order
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &o))
		return o.ID
	}

	rr := do(t, r, http.MethodGet, "/v1/orders/"+order("book")+"/quote", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"quote":{"price":12.5}`)

	rr = do(t, r, http.MethodGet, "/v1/orders/"+order("broken")+"/quote", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rr = do(t, Router(NewHandler(&MockAgent{}, nil, "")), http.MethodGet, "/v1/orders/x/quote", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

type nopSubmitter struct{}

func (nopSubmitter) SubmitBatch(ctx context.Context, evs []*event.Event) (string, error) {
	return "", nil
}

func TestRouter_GovernedByAgent(t *testing.T) {
	log := zerolog.Nop()
	eng := governance.NewEngine(nil, time.Hour, time.Minute, log)
	eng.Load([]governance.Rule{{
		ID: "pause-intake", Type: governance.RuleTypeRegex, Block: true,
		RegexConfig: []rules.Group{{Conditions: []rules.Condition{
			{Path: "request.route", Value: "^/v1/orders$"},
			{Path: "request.verb", Value: "POST"},
		}}},
		Response: governance.ResponseTemplate{Status: 429, Body: map[string]any{"error": "order intake paused"}},
	}})
	cfg := appconfig.NewCache(nil, time.Hour, time.Minute, log)
	q := queue.New(10, log)
	sup := queue.NewSupervisor(q, nopSubmitter{}, cfg, queue.Options{BatchMaxTime: time.Hour}, log)
	a := agent.New(agent.Deps{Rules: eng, Config: cfg, Queue: q, Supervisor: sup}, agent.DefaultOptions(), log)

	r := Router(NewHandler(a, nil, ""))

	rr := do(t, r, http.MethodPost, "/v1/orders", `{"item": "book", "quantity": 1}`)
	assert.Equal(t, 429, rr.Code)
	assert.JSONEq(t, `{"error": "order intake paused"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get(agent.HeaderTransactionID))

	rr = do(t, r, http.MethodGet, "/v1/orders", "")
	assert.Equal(t, http.StatusOK, rr.Code, "other routes pass")

	do(t, r, http.MethodGet, "/healthz", "")
	evs := q.DequeueBatch(10)
	require.Len(t, evs, 2, "health checks are not captured")
	assert.Equal(t, "pause-intake", evs[0].BlockedBy)
	assert.Empty(t, evs[1].BlockedBy)
}
