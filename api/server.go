/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Context logger: zerolog logger tagged with the request ID
  5. CORS:       Cross-origin requests from the storefront

ROUTE GROUPS:
  /api/tiers, /api/rewards  Program catalog
  /api/users/*              Accounts, balances, redemptions, referrals
  /api/orders               Order confirmation
  /api/checkout             Discount pricing
  /api/coupons/*            Coupon apply, release by application id
  /api/admin/*              Admin operations
  /healthz                  Liveness and sync status

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/prayan/loyalty-engine/logging"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !slices.Contains(allowedOrigins, "*"),
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/tiers", h.ListTiers)
		r.Get("/rewards", h.ListRewards)

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.RegisterUser)
			r.Get("/{id}/loyalty", h.GetLoyalty)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/bonus", h.AwardBonus)
			r.Post("/{id}/redemptions", h.RedeemReward)
			r.Post("/{id}/redemptions/custom", h.RedeemCustom)
			r.Get("/{id}/referral", h.GetReferral)
		})

		r.Post("/orders", h.ConfirmOrder)
		r.Post("/checkout", h.Checkout)

		// Coupon routes
		r.Route("/coupons", func(r chi.Router) {
			r.Post("/apply", h.ApplyCoupon)
			r.Post("/applications/{id}/release", h.ReleaseCoupon)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/expire", h.TriggerExpiry)
		})
	})

	return r
}

// requestLogger attaches a logger carrying the request ID to the context.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), &l)))
	})
}
