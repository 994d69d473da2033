package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fluxline/conductor/internal/middleware"
)

// NewRouter builds the API router with the standard middleware stack.
func NewRouter(h *Handlers, corsOrigin string, limiter *middleware.RateLimiter, extra ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(SecurityHeaders)
	r.Use(CORS(corsOrigin))
	for _, mw := range extra {
		r.Use(mw)
	}
	if limiter != nil {
		r.Use(limiter.Handler)
	}

	MountRoutes(r, h)
	return r
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", h.Health)
	r.Get("/ws", h.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Sagas
		r.Post("/sagas", h.SubmitSaga)
		r.Get("/sagas", h.ListSagas)
		r.Get("/sagas/{id}", h.GetSaga)
		r.Get("/sagas/{id}/view", h.GetSagaView)
		r.Post("/sagas/{id}/cancel", h.CancelSaga)
		r.Get("/sagas/{id}/events", h.ListSagaEvents)
		r.Get("/sagas/{id}/workers", h.ListWorkers)

		// Definitions
		r.Get("/definitions", h.ListDefinitions)

		// Operational surfaces
		r.Get("/breakers", h.ListBreakers)
		r.Get("/queue", h.QueueDepths)
		r.Get("/quotas", h.ListQuotas)
		r.Get("/quotas/{key}", h.GetQuota)
		r.Put("/quotas/{key}", h.PutQuota)
	})
}
