// Package parser turns raw log lines into normalized events for the
// detection engine. Each parser recognizes one line family; Parse tries
// them in order and returns nil when no parser matches.
package parser

import (
	"time"

	"github.com/logsentry/backend/internal/event"
)

// rawTruncate bounds the original line carried on an event.
const rawTruncate = 512

// RawLine is the ingest descriptor a parser works from. RawID must be
// assigned by the caller before detection runs.
type RawLine struct {
	Source  string
	Host    string
	Level   string
	Message string
	RawID   string
	TS      int64 // seconds since epoch; 0 means "now"
}

// Parse normalizes a raw line, or returns nil if no parser recognizes it.
func Parse(line RawLine) event.Event {
	ts := line.TS
	if ts <= 0 {
		ts = time.Now().Unix()
	}

	if ev := parseSSH(line.Message); ev != nil {
		return finish(ev, line, ts)
	}
	if ev := parseHTTPAccess(line.Message); ev != nil {
		return finish(ev, line, ts)
	}
	return nil
}

// finish stamps the ingest-level fields every normalized event carries.
func finish(ev event.Event, line RawLine, ts int64) event.Event {
	ev[event.FieldTS] = ts
	ev[event.FieldHost] = line.Host
	ev[event.FieldSource] = line.Source
	ev[event.FieldRawID] = line.RawID
	ev[event.FieldRaw] = truncate(line.Message, rawTruncate)
	return ev
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
