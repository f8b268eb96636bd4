// Package stream provides the append-only capped event and alert streams
// that feed live subscribers. Entries are totally ordered by id within a
// stream; cross-stream ordering is not guaranteed.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Stream names. Each stream is capped independently; the cap bounds the
// memory a slow subscriber can cost.
const (
	EventStream = "events"
	AlertStream = "alerts"

	// ZeroID is the distinguished id of an empty stream; tailing after
	// ZeroID yields every entry the stream still holds.
	ZeroID = "0-0"

	DefaultEventCap = 5000
	DefaultAlertCap = 2000
)

// Entry is one stream record: an opaque, monotonically increasing id and
// a flat string-valued field mapping.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Bus is the append/tail surface the ingest path and the fan-out loops
// share. Errors surface to the caller; the bus recovers lazily on the
// next call.
type Bus interface {
	// Append adds fields to the stream and returns the new entry id. The
	// stream is trimmed approximately to its cap; the oldest entries
	// beyond it may be evicted.
	Append(ctx context.Context, stream string, fields map[string]any) (string, error)

	// LatestID returns the id of the most recent entry, or ZeroID when
	// the stream is empty.
	LatestID(ctx context.Context, stream string) (string, error)

	// Tail blocks up to block waiting for entries with id > afterID and
	// returns up to count of them. An empty result means the wait timed
	// out with nothing new.
	Tail(ctx context.Context, stream string, afterID string, block time.Duration, count int64) ([]Entry, error)

	// EnsureExists idempotently creates the stream.
	EnsureExists(ctx context.Context, stream string) error
}

// Flatten renders an arbitrary field mapping into the flat string form
// stream entries carry. Nested structures are JSON-encoded.
func Flatten(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = flattenValue(v)
	}
	return out
}

func flattenValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case int, int64, float64, bool:
		return fmt.Sprint(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
