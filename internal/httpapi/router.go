package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi mux wiring the demo REST surface: dispatch,
// cancel, status, logs and stats under /api/v1, and health/ready/live at the
// root, in the teacher's router/middleware idiom (internal/infrastructure/http).
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/live", h.Live)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/tasks", h.Dispatch)
		api.Delete("/tasks/{id}", h.Cancel)
		api.Get("/tasks/{id}", h.Status)
		api.Get("/tasks/{id}/logs", h.Logs)
		api.Get("/stats", h.Stats)
	})

	return r
}
