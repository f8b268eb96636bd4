// Package api exposes the ingest endpoint, history queries, and the live
// subscription endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/logsentry/backend/internal/enrich"
	"github.com/logsentry/backend/internal/metrics"
	"github.com/logsentry/backend/internal/storage"
	"github.com/logsentry/backend/internal/stream"
	"github.com/logsentry/backend/internal/ws"
)

// Server wires the ingest pipeline, history store, stream bus, and live
// fan-out behind one router.
type Server struct {
	ingest  *Ingestor
	store   *storage.Postgres // nil when the durable store is down
	bus     stream.Bus
	fanout  *ws.Fanout
	checker *enrich.URLChecker
	metrics *metrics.Metrics
	rulesFn func() error // reloads the rule catalog
	diagFn  func(ctx context.Context) map[string]any
}

// NewServer builds the HTTP surface. store may be nil; history endpoints
// then answer 503.
func NewServer(ingest *Ingestor, store *storage.Postgres, bus stream.Bus, fanout *ws.Fanout, checker *enrich.URLChecker, m *metrics.Metrics, reload func() error, diag func(ctx context.Context) map[string]any) *Server {
	return &Server{
		ingest:  ingest,
		store:   store,
		bus:     bus,
		fanout:  fanout,
		checker: checker,
		metrics: m,
		rulesFn: reload,
		diagFn:  diag,
	}
}

// Router builds the mux router with CORS applied to every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/debug/redis", s.handleDebugRedis).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	r.HandleFunc("/logs/recent", s.handleRecentLogs).Methods("GET")
	r.HandleFunc("/alerts", s.handleRecentAlerts).Methods("GET")
	r.HandleFunc("/rules/reload", s.handleRulesReload).Methods("POST")
	r.HandleFunc("/enrich/url", s.handleEnrichURL).Methods("GET")

	r.HandleFunc("/ws/events", s.fanout.EventsHandler())
	r.HandleFunc("/ws/alerts", s.fanout.AlertsHandler())

	return r
}

// Start serves the API on the given port until the listener fails.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	slog.Info("[API] Listening", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDebugRedis(w http.ResponseWriter, r *http.Request) {
	if s.diagFn == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, s.diagFn(r.Context()))
}

func (s *Server) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	if s.rulesFn == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "rule engine disabled"})
		return
	}
	if err := s.rulesFn(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEnrichURL(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("u")
	if target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing u parameter"})
		return
	}
	result := s.checker.Check(r.Context(), target)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "url": target, "result": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] Response encode failed", "error", err)
	}
}
