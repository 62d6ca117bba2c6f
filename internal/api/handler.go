package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"api-governance-agent/internal/profile"
)

// Agent is the governance agent as seen by the host service.
type Agent interface {
	Middleware(next http.Handler) http.Handler
	Reload(ctx context.Context) error
	UpdateUsersBatch(ctx context.Context, us []profile.User)
	UpdateCompaniesBatch(ctx context.Context, cs []profile.Company)
}

type Order struct {
	ID        string    `json:"id"`
	Item      string    `json:"item"`
	Quantity  int       `json:"quantity"`
	CompanyID string    `json:"company_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Handler serves the demo orders API that the agent governs.
type Handler struct {
	agent    Agent
	upstream *http.Client
	quoteURL string

	mu     sync.RWMutex
	orders map[string]Order
}

// NewHandler builds the demo API. upstream should already carry the
// agent's RoundTripper so quote lookups are captured as outgoing events.
func NewHandler(a Agent, upstream *http.Client, quoteURL string) *Handler {
	if upstream == nil {
		upstream = http.DefaultClient
	}
	return &Handler{
		agent:    a,
		upstream: upstream,
		quoteURL: quoteURL,
		orders:   make(map[string]Order),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	company := r.URL.Query().Get("company_id")

	h.mu.RLock()
	out := make([]Order, 0, len(h.orders))
	for _, o := range h.orders {
		if company == "" || o.CompanyID == company {
			out = append(out, o)
		}
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var o Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order body")
		return
	}
	o.Item = strings.TrimSpace(o.Item)
	if o.Item == "" || o.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "item and a positive quantity are required")
		return
	}
	o.ID = uuid.NewString()
	o.CreatedAt = time.Now().UTC()

	h.mu.Lock()
	h.orders[o.ID] = o
	h.mu.Unlock()

	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.order(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Quote asks the upstream pricing service for a quote on an order.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.quoteURL == "" {
		writeError(w, http.StatusServiceUnavailable, "quote service not configured")
		return
	}
	o, ok := h.order(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}

	u := h.quoteURL + "?" + url.Values{"item": {o.Item}}.Encode()
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bad quote url")
		return
	}
	resp, err := h.upstream.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "quote service unavailable")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode >= 300 || !json.Valid(body) {
		writeError(w, http.StatusBadGateway, "quote service returned an invalid response")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": o, "quote": json.RawMessage(body)})
}

func (h *Handler) UpdateUsers(w http.ResponseWriter, r *http.Request) {
	var us []profile.User
	if err := json.NewDecoder(r.Body).Decode(&us); err != nil {
		writeError(w, http.StatusBadRequest, "expected a JSON array of users")
		return
	}
	h.agent.UpdateUsersBatch(r.Context(), us)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) UpdateCompanies(w http.ResponseWriter, r *http.Request) {
	var cs []profile.Company
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		writeError(w, http.StatusBadRequest, "expected a JSON array of companies")
		return
	}
	h.agent.UpdateCompaniesBatch(r.Context(), cs)
	w.WriteHeader(http.StatusAccepted)
}

// Reload forces a config and rules refresh.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.Reload(r.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *Handler) order(id string) (Order, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.orders[id]
	return o, ok
}
