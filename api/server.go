/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP (click signals)
  3. Logger:     Request logging (zerolog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests from the storefront

ROUTE GROUPS:
  /api/affiliates/*     Registry, links, stats, on-demand release
  /api/products/*       Catalog
  /api/clicks           Traffic clicks
  /api/sales/*          Attribution and status changes
  /api/vendors/*        Vendor payables
  /api/admin/*          Release sweep
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness
  /metrics              Prometheus

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions tunes the router.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.HandlerFor(h.Metrics, promhttp.HandlerOpts{}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Affiliate routes
		r.Route("/affiliates", func(r chi.Router) {
			r.Post("/", h.CreateAffiliate)
			r.Get("/{id}", h.GetAffiliate)
			r.Get("/{id}/stats", h.GetStats)
			r.Get("/{id}/links", h.ListLinks)
			r.Post("/{id}/links", h.CreateLink)
			r.Post("/{id}/release", h.EvaluateRelease)
		})

		// Catalog routes
		r.Route("/products", func(r chi.Router) {
			r.Put("/{id}", h.SaveProduct)
			r.Get("/{id}", h.GetProduct)
		})

		r.Post("/clicks", h.RecordClick)

		// Sale routes
		r.Route("/sales", func(r chi.Router) {
			r.Post("/", h.AttributeSale)
			r.Put("/{id}/status", h.UpdateSaleStatus)
		})

		r.Get("/vendors/{id}/balance", h.GetVendorBalance)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/release/sweep", h.SweepReleases)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request through zerolog.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
