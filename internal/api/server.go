// Package api provides the engine's HTTP surface: presence queries,
// effective balance views, session lifecycle, the transaction ledger, and a
// WebSocket bridge onto the broadcast hub.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/broadcast"
	"github.com/avalove-network/avalove/internal/infra/cache"
	"github.com/avalove-network/avalove/internal/infra/earning"
	"github.com/avalove-network/avalove/internal/infra/engagement"
	"github.com/avalove-network/avalove/internal/infra/observability"
	"github.com/avalove-network/avalove/internal/infra/presence"
	"github.com/avalove-network/avalove/internal/infra/reconcile"
	"github.com/avalove-network/avalove/internal/infra/sessionlock"
)

// Version is the engine release string reported by /api/version.
const Version = "0.3.0"

// Server is the avalove HTTP API server.
type Server struct {
	store   domain.Store
	tracker *presence.Tracker
	coord   *sessionlock.Coordinator
	gate    *reconcile.Gate
	hub     *broadcast.Hub
	views   *cache.Cache
	tracer  *observability.Tracer
	earn    *earning.Engine
	scorer  *engagement.Scorer

	metricsEnabled bool
}

// NewServer creates an API server over the assembled engine components.
func NewServer(store domain.Store, tracker *presence.Tracker, coord *sessionlock.Coordinator, gate *reconcile.Gate, hub *broadcast.Hub) *Server {
	return &Server{
		store:   store,
		tracker: tracker,
		coord:   coord,
		gate:    gate,
		hub:     hub,
		views:   cache.New(2 * time.Second),
		tracer:  observability.NewTracer(observability.DefaultTracerConfig()),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetViewCache overrides the effective-view cache.
func (s *Server) SetViewCache(c *cache.Cache) { s.views = c }

// SetTracer overrides the reconciliation tracer.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetEarning attaches the accrual engine; earn session starts and ends then
// register and unregister earners, and /api/earnings reports become available.
func (s *Server) SetEarning(e *earning.Engine) { s.earn = e }

// SetEngagement attaches the engagement scorer; session outcomes then feed
// engagement levels, and a clean earn session end awards a score bonus.
func (s *Server) SetEngagement(sc *engagement.Scorer) { s.scorer = sc }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": Version,
		})
	})

	r.Route("/api/presence", func(r chi.Router) {
		r.Get("/", s.handlePresenceList)
		r.Get("/{userID}", s.handlePresenceGet)
	})

	r.Route("/api/balance", func(r chi.Router) {
		r.Get("/{userID}/{kind}", s.handleBalanceGet)
		r.Post("/{userID}/{kind}/credit", s.handleBalanceCredit)
		r.Post("/{userID}/{kind}/debit", s.handleBalanceDebit)
	})

	r.Get("/api/ledger/{userID}", s.handleLedger)
	r.Get("/api/earnings/{userID}", s.handleEarnings)

	r.Route("/api/engagement", func(r chi.Router) {
		r.Get("/", s.handleEngagementTop)
		r.Get("/{userID}", s.handleEngagementGet)
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/start", s.handleSessionStart)
		r.Post("/heartbeat", s.handleSessionHeartbeat)
		r.Post("/end", s.handleSessionEnd)
		r.Get("/{userID}/{kind}", s.handleSessionGet)
	})

	r.Get("/api/reconcile/history", s.handleReconcileHistory)
	r.Get("/api/traces", s.handleTraces)

	// Live broadcast bridge for clients (presence + kick notices)
	r.Get("/ws", s.handleWebSocket)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
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

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
