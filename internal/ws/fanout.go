// Package ws implements the live subscription fan-out: one websocket
// endpoint per stream, each subscriber tailing from the latest entry at
// connect time. There is no historical replay and no per-subscriber
// queueing; a subscriber that falls behind the stream cap loses the
// evicted entries.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/logsentry/backend/internal/metrics"
	"github.com/logsentry/backend/internal/stream"
)

const (
	writeWait      = 10 * time.Second
	tailCount      = 50
	errorRetryWait = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Subscribers are read-only dashboards; the deployment fronts this
	// with its own origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the wire shape every subscriber sees: event/alert entries,
// idle pings, and backend status notices.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Fanout serves the per-stream subscriber endpoints.
type Fanout struct {
	bus       stream.Bus
	tailBlock time.Duration
	metrics   *metrics.Metrics
}

// NewFanout creates a fan-out over the bus. tailBlock is how long each
// tail call blocks before the subscriber gets an idle ping.
func NewFanout(bus stream.Bus, tailBlock time.Duration, m *metrics.Metrics) *Fanout {
	if tailBlock <= 0 {
		tailBlock = 2 * time.Second
	}
	return &Fanout{bus: bus, tailBlock: tailBlock, metrics: m}
}

// EventsHandler serves /ws/events subscribers.
func (f *Fanout) EventsHandler() http.HandlerFunc {
	return f.handler(stream.EventStream, "event")
}

// AlertsHandler serves /ws/alerts subscribers.
func (f *Fanout) AlertsHandler() http.HandlerFunc {
	return f.handler(stream.AlertStream, "alert")
}

func (f *Fanout) handler(streamName, msgType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[Fanout] Upgrade failed", "stream", streamName, "error", err)
			return
		}
		defer conn.Close()

		if f.metrics != nil {
			f.metrics.Subscribers.WithLabelValues(streamName).Inc()
			defer f.metrics.Subscribers.WithLabelValues(streamName).Dec()
		}

		// Reads only matter for detecting disconnects; discard them in
		// the background and cancel the loop when the peer goes away.
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		f.run(ctx, conn, streamName, msgType)
	}
}

// run is the subscriber loop: tail from the connect-time latest id, send
// entries as they arrive, ping on idle, report backend trouble and retry.
func (f *Fanout) run(ctx context.Context, conn *websocket.Conn, streamName, msgType string) {
	cursor, err := f.bus.LatestID(ctx, streamName)
	if err != nil {
		slog.Warn("[Fanout] Latest id unavailable, starting from zero",
			"stream", streamName, "error", err)
		cursor = stream.ZeroID
	}
	slog.Info("[Fanout] Subscriber connected", "stream", streamName, "cursor", cursor)
	defer slog.Info("[Fanout] Subscriber disconnected", "stream", streamName)

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := f.bus.Tail(ctx, streamName, cursor, f.tailBlock, tailCount)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !f.send(conn, Message{Type: "status", Data: map[string]string{
				"backend": "down",
				"stream":  streamName,
			}}) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorRetryWait):
			}
			continue
		}

		if len(entries) == 0 {
			if !f.send(conn, Message{Type: "ping"}) {
				return
			}
			continue
		}

		for _, entry := range entries {
			cursor = entry.ID
			if !f.send(conn, Message{Type: msgType, Data: entry.Fields}) {
				return
			}
		}
	}
}

// send writes one JSON message, reporting false when the subscriber is
// gone.
func (f *Fanout) send(conn *websocket.Conn, msg Message) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return false
	}
	return true
}
