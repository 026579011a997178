/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for operational tooling

ROUTE GROUPS:
  /api/refunds/*        Refund intake and lookup
  /api/devolutions/*    Devolution payout, settlement, lookup
  /api/transactions/*   Transaction seeding and balance queries
  /api/infractions      Dispute seeding
  /api/health           Liveness

SECURITY NOTE:
  No authentication middleware. The server is meant to sit behind the
  participant's internal gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Refund routes
		r.Route("/refunds", func(r chi.Router) {
			r.Post("/", h.AdmitRefund)
			r.Get("/{id}", h.GetRefund)
		})

		// Devolution routes
		r.Route("/devolutions", func(r chi.Router) {
			r.Post("/", h.PayoutDevolution)
			r.Get("/{id}", h.GetDevolution)
			r.Post("/{id}/settle", h.SettleDevolution)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Get("/{e2eid}", h.GetTransaction)
			r.Get("/{e2eid}/devolutions", h.ListTransactionDevolutions)
		})

		// Infraction routes
		r.Post("/infractions", h.CreateInfraction)

		r.Get("/health", h.Health)
	})

	return r
}
