/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request for tracing
  2. Recoverer:   Panic recovery (500 instead of crash)
  3. Logger:      zap request logging (logger.Middleware)
  4. Metrics:     Prometheus request count and latency by route pattern
  5. CORS:        Configured origins only

ROUTE GROUPS:
  /healthz, /metrics          Public
  /gateway/webhook            Public, authenticated by HMAC signature
  /wallet/*                   Any actor (JWT)
  /merchant/*                 Merchants
  /admin/*                    Admins

  POST routes under the JWT groups honour Idempotency-Key.

SEE ALSO:
  - handlers.go, withdrawals.go, admin.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/wallet-ledger/auth"
	"github.com/warp/wallet-ledger/logger"
	"github.com/warp/wallet-ledger/metrics"
)

// RouterOptions carries the cross-cutting dependencies of the router.
type RouterOptions struct {
	Verifier       *auth.Verifier
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	CORSOrigins    []string
	Cache          ResponseCache
	IdempotencyTTL time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware)
	r.Use(opts.Metrics.Instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Post("/gateway/webhook", h.GatewayWebhook)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(opts.Verifier))
		r.Use(Idempotency(opts.Cache, opts.IdempotencyTTL))

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Get("/transactions", h.ListTransactions)
			r.Post("/topup/create-order", h.CreateTopUpOrder)
			r.Post("/topup/verify", h.VerifyTopUp)
		})

		r.Route("/merchant", func(r chi.Router) {
			r.Use(RequireActor(auth.ActorMerchant))
			r.Get("/withdrawals", h.ListMerchantWithdrawals)
			r.Post("/withdrawals", h.CreateWithdrawal)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireActor(auth.ActorAdmin))

			r.Route("/withdrawals", func(r chi.Router) {
				r.Get("/", h.ListWithdrawals)
				r.Get("/{id}", h.GetWithdrawal)
				r.Post("/{id}/approve", h.ApproveWithdrawal)
				r.Post("/{id}/reject", h.RejectWithdrawal)
				r.Post("/{id}/mark-paid", h.MarkWithdrawalPaid)
			})

			r.Route("/wallets", func(r chi.Router) {
				r.Post("/adjust", h.AdjustWallet)
				r.Get("/{userId}/reconcile", h.ReconcileWallet)
				r.Post("/{userId}/repair", h.RepairWallet)
				r.Post("/{userId}/lock", h.LockWallet)
				r.Post("/{userId}/unlock", h.UnlockWallet)
			})

			r.Get("/audit", h.QueryAudit)
			r.Get("/webhooks", h.ListWebhooks)
			r.Post("/webhooks/{id}/retry", h.RetryWebhook)
		})
	})

	return r
}

// Authenticate resolves the bearer token into an Actor on the context.
func Authenticate(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, err := v.FromRequest(r)
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), a)))
		})
	}
}

// RequireActor answers 403 unless the caller is one of allowed.
func RequireActor(allowed ...auth.ActorType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Require(actor(r), allowed...); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
