/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the load balancer
  3. Logger:     Structured request logging (slog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the member web app

ROUTE GROUPS:
  /healthz              Liveness and dependency checks (public)
  /api/me/*             Member routes (RequireUser)
  /api/internal/*       Order and fulfillment systems (RequireService)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Member routes
		r.Route("/me", func(r chi.Router) {
			r.Use(auth.RequireUser)
			r.Get("/experience", h.GetExperience)
			r.Post("/redemptions", h.Redeem)
			r.Post("/referral", h.CreateReferral)

			r.Route("/coupons/{code}", func(r chi.Router) {
				r.Get("/", h.GetCoupon)
				r.Get("/qr", h.CouponQR)
				r.Post("/apply", h.ApplyCoupon)
				r.Post("/invalidate", h.InvalidateCoupon)
			})
		})

		// Service routes
		r.Route("/internal", func(r chi.Router) {
			r.Use(auth.RequireService)

			r.Post("/users", h.RegisterUser)
			r.Post("/users/{userID}/tier/recompute", h.RecomputeTier)

			r.Route("/orders/{orderID}", func(r chi.Router) {
				r.Post("/earn", h.Earn)
				r.Post("/convert", h.Convert)
				r.Post("/reverse", h.Reverse)
			})

			r.Post("/referrals/{refereeID}/first-order-delivered", h.FirstOrderDelivered)
		})
	})

	return r
}

// requestLogger logs one line per request with its status and latency.
func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				attrs := []any{
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.Group("request",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("remote_addr", r.RemoteAddr),
					),
					slog.Group("response",
						slog.Int("status", status),
						slog.Int("bytes", ww.BytesWritten()),
						slog.Duration("latency", time.Since(start)),
					),
				}
				if status >= http.StatusInternalServerError {
					logger.ErrorContext(r.Context(), "server error", attrs...)
				} else {
					logger.InfoContext(r.Context(), "request completed", attrs...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
