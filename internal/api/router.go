package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"api-governance-agent/internal/observability"
)

// Router mounts the demo API behind the agent. Health, metrics and admin
// routes stay outside it so they are neither governed nor captured.
func Router(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	r.Post("/admin/reload", h.Reload)

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.agent.Middleware)

		r.Get("/orders", h.ListOrders)
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders/{id}", h.GetOrder)
		r.Get("/orders/{id}/quote", h.Quote)
		r.Post("/users", h.UpdateUsers)
		r.Post("/companies", h.UpdateCompanies)
	})
	return r
}
