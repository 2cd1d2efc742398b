/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/transactions/process   Station-authenticated authorization
  /api/transactions/*         Decision history
  /api/organizations/*        Organization management
  /api/cards/*                Card management
  /api/stations/*             Station registration
  /health                     Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Station authentication
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

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/transactions", func(r chi.Router) {
			// Only terminals with a valid station key may authorize.
			r.With(RequireStation(h.Backend)).Post("/process", h.ProcessTransaction)
			r.Get("/", h.ListTransactions)
			r.Get("/{id}", h.GetTransaction)
		})

		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", h.ListOrganizations)
			r.Post("/", h.CreateOrganization)
			r.Get("/{id}", h.GetOrganization)
			r.Post("/{id}/deposit", h.Deposit)
			r.Get("/{id}/transactions", h.OrganizationTransactions)
			r.Delete("/{id}", h.DeactivateOrganization)
		})

		r.Route("/cards", func(r chi.Router) {
			r.Get("/", h.ListCards)
			r.Post("/", h.CreateCard)
			r.Get("/{id}", h.GetCard)
			r.Put("/{id}/limits", h.UpdateCardLimits)
			r.Get("/{id}/transactions", h.CardTransactions)
			r.Delete("/{id}", h.DeactivateCard)
		})

		r.Route("/stations", func(r chi.Router) {
			r.Get("/", h.ListFuelStations)
			r.Post("/", h.CreateFuelStation)
		})
	})

	return r
}
