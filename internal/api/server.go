// Package api provides the HTTP server for the Sight node.
// It fronts the inference backends with a metered reverse proxy and exposes
// the ledger, health and metrics endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/ledger"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/health"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
)

// Server is the node HTTP API server.
type Server struct {
	tasks          *ledger.TaskLedger
	earnings       *ledger.EarningsLedger
	proxy          http.Handler // nil until SetProxy
	health         *health.Checker
	corsOrigins    []string
	metricsEnabled bool
	log            logrus.FieldLogger
}

// NewServer creates a new API server over the ledgers.
func NewServer(tasks *ledger.TaskLedger, earnings *ledger.EarningsLedger, log logrus.FieldLogger) *Server {
	return &Server{
		tasks:       tasks,
		earnings:    earnings,
		corsOrigins: []string{"*"},
		log:         logging.OrDiscard(log).WithField("component", "api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth sets the checker reported on /health.
func (s *Server) SetHealth(h *health.Checker) { s.health = h }

// SetCORSOrigins restricts the allowed origins. Empty means "*".
func (s *Server) SetCORSOrigins(origins []string) {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.corsOrigins = origins
}

// SetProxy sets the handler serving the inference routes. Use
// NewBackendProxy wrapped in the metering middleware.
func (s *Server) SetProxy(h http.Handler) { s.proxy = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)

	// Ledger API
	r.Route("/api/ledger", func(r chi.Router) {
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/earnings", s.handleListEarnings)
		r.Get("/summary", s.handleSummary)
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Inference routes. Static ledger routes above win over these
	// catch-alls in chi's tree.
	if s.proxy != nil {
		r.Handle("/api/*", s.proxy)
		r.Handle("/ollama/api/*", s.proxy)
		r.Handle("/openai/*", s.proxy)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "Sight node is running",
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for the configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	for _, o := range s.corsOrigins {
		if o == "*" {
			return "*"
		}
		if o == origin && origin != "" {
			return origin
		}
	}
	return ""
}
