// Package metrics holds the Prometheus instruments for the ingest and
// detection pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all instruments so they can be injected where needed.
type Metrics struct {
	LinesIngested    *prometheus.CounterVec   // by source
	ParseFailures    *prometheus.CounterVec   // by source
	EventsEvaluated  prometheus.Counter
	AlertsFired      *prometheus.CounterVec   // by rule_id, severity
	EvalDuration     prometheus.Histogram
	StreamAppendErrs *prometheus.CounterVec   // by stream
	Subscribers      *prometheus.GaugeVec     // by stream
}

// New creates and registers all pipeline metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		LinesIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ids_lines_ingested_total",
				Help: "Raw log lines accepted by the ingest endpoint",
			},
			[]string{"source"},
		),
		ParseFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ids_parse_failures_total",
				Help: "Lines no parser could normalize",
			},
			[]string{"source"},
		),
		EventsEvaluated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ids_events_evaluated_total",
				Help: "Normalized events run through the detection engine",
			},
		),
		AlertsFired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ids_alerts_fired_total",
				Help: "Alerts emitted after threshold and cooldown checks",
			},
			[]string{"rule_id", "severity"},
		),
		EvalDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ids_evaluation_duration_seconds",
				Help:    "Wall time of one event's full catalog evaluation",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		StreamAppendErrs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ids_stream_append_errors_total",
				Help: "Failed appends to the event/alert streams",
			},
			[]string{"stream"},
		),
		Subscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ids_live_subscribers",
				Help: "Currently connected live subscribers",
			},
			[]string{"stream"},
		),
	}
}
