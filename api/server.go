/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for back-office frontends

ROUTE GROUPS:
  /api/lots/*       Consume, register, correct
  /api/subjects/*   Lot listing and stats
  /api/policy       Effective store policy
  /api/admin/*      Recompute sweep
  /healthz          Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the router. Zero value is fine for tests.
type RouterOptions struct {
	AllowedOrigins []string
	RequestLog     bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if opts.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/lots", func(r chi.Router) {
			r.Post("/consume", h.Consume)
			r.Post("/register", h.Register)
			r.Post("/{id}/correct-price", h.CorrectPrice)
		})

		r.Route("/subjects/{id}", func(r chi.Router) {
			r.Get("/lots", h.ListLots)
			r.Get("/stats", h.GetStats)
		})

		r.Get("/policy", h.GetPolicy)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/recompute", h.RecomputeAll)
		})
	})

	return r
}
