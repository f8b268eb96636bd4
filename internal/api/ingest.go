package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/logsentry/backend/internal/detect"
	"github.com/logsentry/backend/internal/enrich"
	"github.com/logsentry/backend/internal/event"
	"github.com/logsentry/backend/internal/metrics"
	"github.com/logsentry/backend/internal/parser"
	"github.com/logsentry/backend/internal/storage"
	"github.com/logsentry/backend/internal/stream"
)

// ingestRequest is the single-line ingest descriptor.
type ingestRequest struct {
	Source  string `json:"source"`
	Host    string `json:"host"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Ingestor runs one line through the pipeline: durable insert (for the
// raw_id), stream publish, parse, detect, alert persist + publish. The
// detection core only runs after a raw_id exists; when the durable store
// is down a synthetic id stands in so detection still happens.
type Ingestor struct {
	store   *storage.Postgres // nil when unavailable at startup
	bus     stream.Bus
	engine  *detect.Engine // nil when the rule engine is disabled
	checker *enrich.URLChecker
	metrics *metrics.Metrics
}

// NewIngestor wires the ingest pipeline.
func NewIngestor(store *storage.Postgres, bus stream.Bus, engine *detect.Engine, checker *enrich.URLChecker, m *metrics.Metrics) *Ingestor {
	return &Ingestor{store: store, bus: bus, engine: engine, checker: checker, metrics: m}
}

// IngestResult is what one processed line produced.
type IngestResult struct {
	RawID    string
	Event    event.Event
	Alerts   []detect.Alert
	AlertIDs []int64
	Errs     []error
}

// Process runs the full pipeline for one line.
func (ing *Ingestor) Process(ctx context.Context, req ingestRequest) IngestResult {
	var res IngestResult

	if ing.metrics != nil {
		ing.metrics.LinesIngested.WithLabelValues(req.Source).Inc()
	}

	// 1. Durable insert assigns the raw_id.
	if ing.store != nil {
		id, err := ing.store.InsertRawLog(ctx, req.Source, req.Host, req.Level, req.Message)
		if err == nil {
			res.RawID = strconv.FormatInt(id, 10)
		} else {
			slog.Warn("[Ingest] Durable insert failed, using synthetic raw_id", "error", err)
		}
	}
	if res.RawID == "" {
		res.RawID = uuid.New().String()
	}

	// 2. Publish the raw line; a bus outage never rejects the ingest.
	if _, err := ing.bus.Append(ctx, stream.EventStream, map[string]any{
		"id":      res.RawID,
		"source":  req.Source,
		"host":    req.Host,
		"level":   req.Level,
		"message": req.Message,
	}); err != nil {
		slog.Warn("[Ingest] Event stream append failed", "error", err)
		if ing.metrics != nil {
			ing.metrics.StreamAppendErrs.WithLabelValues(stream.EventStream).Inc()
		}
	}

	// 3. Parse. Lines no parser recognizes are stored but not evaluated.
	line := parser.RawLine{
		Source:  req.Source,
		Host:    req.Host,
		Level:   req.Level,
		Message: req.Message,
		RawID:   res.RawID,
	}
	ev := parser.Parse(line)
	if ev == nil {
		if ing.metrics != nil {
			ing.metrics.ParseFailures.WithLabelValues(req.Source).Inc()
		}
		return res
	}
	res.Event = ev

	// 4. Detect.
	if ing.engine == nil {
		return res
	}
	start := time.Now()
	alerts, errs := ing.engine.Evaluate(ctx, ev)
	if ing.metrics != nil {
		ing.metrics.EventsEvaluated.Inc()
		ing.metrics.EvalDuration.Observe(time.Since(start).Seconds())
	}
	res.Alerts = alerts
	res.Errs = errs

	// 5. Persist + publish each alert.
	for _, alert := range alerts {
		ing.emit(ctx, alert, &res)
	}
	return res
}

func (ing *Ingestor) emit(ctx context.Context, alert detect.Alert, res *IngestResult) {
	ruleID, _ := alert["rule_id"].(string)
	severity, _ := alert["severity"].(string)
	if ing.metrics != nil {
		ing.metrics.AlertsFired.WithLabelValues(ruleID, severity).Inc()
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Warn("[Ingest] Alert not serializable", "rule", ruleID, "error", err)
		return
	}

	if ing.store != nil {
		ruleName, _ := alert["rule_name"].(string)
		srcIP, _ := alert["src_ip"].(string)
		host, _ := alert["host"].(string)
		id, err := ing.store.InsertAlert(ctx, ruleID, ruleName, severity, srcIP, host, string(payload))
		if err != nil {
			slog.Warn("[Ingest] Alert persist failed", "rule", ruleID, "error", err)
		} else {
			res.AlertIDs = append(res.AlertIDs, id)
			alert["id"] = id
		}
	}

	if _, err := ing.bus.Append(ctx, stream.AlertStream, map[string]any(alert)); err != nil {
		slog.Warn("[Ingest] Alert stream append failed", "rule", ruleID, "error", err)
		if ing.metrics != nil {
			ing.metrics.StreamAppendErrs.WithLabelValues(stream.AlertStream).Inc()
		}
	}

	ing.annotateTargets(alert)
}

// annotateTargets probes the alert's reconstructed HTTP targets in the
// background so slow or dead hosts never hold up the ingest path.
func (ing *Ingestor) annotateTargets(alert detect.Alert) {
	if ing.checker == nil {
		return
	}
	assessment, ok := alert["assessment"].(map[string]any)
	if !ok {
		return
	}
	targets, ok := assessment["targets"].([]string)
	if !ok || len(targets) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, t := range targets {
			result := ing.checker.Check(ctx, t)
			slog.Info("[Enrich] Target probe", "url", t,
				"exists", result.Exists, "status", result.Status, "note", result.Note)
		}
	}()
}

// handleIngest accepts one log line. It answers 2xx whenever the line was
// queued for processing; detection or persistence trouble never turns
// into a client error.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid json"})
		return
	}
	if req.Source == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "source and message are required"})
		return
	}

	res := s.ingest.Process(r.Context(), req)

	body := map[string]any{"ok": true, "id": res.RawID}
	if r.URL.Query().Get("debug") == "1" {
		body["parsed"] = res.Event
		body["alert_ids"] = res.AlertIDs
		alertRuleIDs := make([]string, 0, len(res.Alerts))
		for _, a := range res.Alerts {
			if rid, ok := a["rule_id"].(string); ok {
				alertRuleIDs = append(alertRuleIDs, rid)
			}
		}
		body["alerts"] = alertRuleIDs
		errStrs := make([]string, 0, len(res.Errs))
		for _, e := range res.Errs {
			errStrs = append(errStrs, e.Error())
		}
		body["detector_errors"] = errStrs
	}
	writeJSON(w, http.StatusOK, body)
}
