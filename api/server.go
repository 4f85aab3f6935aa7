/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Structured request logging (zerolog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests

ROUTE GROUPS:
  /api/reports/*   Report submission and archival
  /api/cases/*     Stock states, streams, prior state, case type
  /api/domains/*   Default consumption
  /api/restore     OTA payload
  /healthz         Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/stockledger/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterConfig holds the knobs of the HTTP layer.
type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/reports", func(r chi.Router) {
			r.Post("/", h.SubmitReport)
			r.Get("/{id}", h.GetReport)
			r.Post("/{id}/archive", h.ArchiveReport)
			r.Post("/{id}/unarchive", h.UnarchiveReport)
		})

		r.Route("/cases/{caseID}", func(r chi.Router) {
			r.Get("/states", h.ListCaseStates)
			r.Put("/type", h.SetCaseType)
			r.Route("/sections/{section}/products/{product}", func(r chi.Router) {
				r.Get("/", h.GetStockState)
				r.Get("/transactions", h.GetTransactions)
				r.Get("/prior", h.GetPriorState)
			})
		})

		r.Put("/domains/{domain}/products/{product}/default-consumption", h.SetDefaultConsumption)
		r.Get("/restore", h.Restore)
	})

	return r
}

// requestLogger logs one line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
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
