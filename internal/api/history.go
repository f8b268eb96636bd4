package api

import (
	"net/http"
	"strconv"

	"github.com/logsentry/backend/internal/storage"
)

// handleRecentLogs pages through stored raw lines, oldest first within
// the page. before_id is the pagination cursor.
func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "durable store unavailable"})
		return
	}

	q := r.URL.Query()
	filter := storage.LogFilter{
		Source: q.Get("source"),
		Host:   q.Get("host"),
		Level:  q.Get("level"),
		Query:  q.Get("q"),
		Limit:  intParam(q.Get("limit"), 200),
	}
	if v := q.Get("before_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.BeforeID = id
		}
	}

	logs, err := s.store.RecentLogs(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if logs == nil {
		logs = []storage.RawLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleRecentAlerts returns the newest persisted alerts.
func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "durable store unavailable"})
		return
	}

	alerts, err := s.store.RecentAlerts(r.Context(), intParam(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if alerts == nil {
		alerts = []storage.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
