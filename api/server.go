/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap access log (method, path, status, duration, request id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/invoices/*         Invoice lifecycle
  /api/guardians/*        Guardian views
  /api/payments           Wallet and cash payments
  /api/wallets/*          Wallet ledger
  /api/gateway/*          Hosted checkout and callbacks
  /api/reconciliations/*  Reference lookup
  /api/scenarios/*        Demo scenarios
  /healthz                Liveness

SECURITY NOTE:
  No authentication middleware. The gateway callback is authenticated by
  its HMAC signature only.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()
	if h.Log == nil {
		h.Log = zap.NewNop()
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", SignatureHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.CreateInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/approve", h.ApproveInvoice)
			r.Post("/{id}/cancel", h.CancelInvoice)
		})

		r.Get("/guardians/{id}/invoices", h.ListGuardianInvoices)

		r.Post("/payments", h.SubmitPayment)

		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", h.OpenWallet)
			r.Post("/credit", h.CreditWallet)
			r.Post("/debit", h.DebitWallet)
			r.Get("/{id}", h.GetWallet)
		})

		r.Route("/gateway", func(r chi.Router) {
			r.Post("/checkout", h.BeginCheckout)
			r.Post("/callback", h.GatewayCallback)
		})

		r.Get("/reconciliations/{reference}", h.GetReconciliation)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger is chi's access log written through zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
