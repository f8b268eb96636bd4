// Package state maintains the detection engine's sliding-window state:
// per-rule window counters, distinct-value sets, evidence snapshots,
// cooldown markers, and fail-burst sets for sequence rules.
//
// The backing engine must provide ordered sets with score-range operations,
// keyed blob maps, and TTL. The Redis implementation lives in redis.go;
// the engine only sees this interface.
package state

import (
	"context"

	"github.com/logsentry/backend/internal/event"
)

// Store is the sliding-window state interface used by the detection engine.
// All operations are idempotent with respect to the (ts, member) pair, and
// every access refreshes the window TTL.
type Store interface {
	// WindowRecord inserts (ts, member) into the window ordered set for key,
	// stores the evidence snapshot under member, prunes entries with score
	// <= ts-windowSec, and returns the window cardinality plus up to
	// keepLast snapshots in score order. Missing or corrupt snapshots are
	// skipped, never fatal.
	WindowRecord(ctx context.Context, key string, ts int64, windowSec int, member string, snap event.Snapshot, keepLast int) (int64, []event.Snapshot, error)

	// WindowDistinctCount records distinctValue in the distinct ordered set
	// for key and returns the number of distinct values in the window.
	// Re-recording a value refreshes its score: one slot per value.
	WindowDistinctCount(ctx context.Context, key string, ts int64, windowSec int, distinctValue string) (int64, error)

	// WindowGetEvents is the read-only variant of WindowRecord's hydration.
	WindowGetEvents(ctx context.Context, key string, ts int64, windowSec int, keepLast int) ([]event.Snapshot, error)

	// CooldownAllow reports whether an alert keyed by dedupKey may fire.
	// It returns true when cooldownSec <= 0, when no marker exists, or when
	// the marker is older than cooldownSec; in the latter two cases it also
	// writes the marker. False means the key is still cooling.
	CooldownAllow(ctx context.Context, dedupKey string, cooldownSec int) (bool, error)

	// RecordFail appends a failure timestamp to the fail set for key and
	// returns the number of failures within withinSec.
	RecordFail(ctx context.Context, key string, ts int64, withinSec int) (int64, error)

	// HadRecentFailBurst reports whether at least threshold failures were
	// recorded for key within withinSec of ts.
	HadRecentFailBurst(ctx context.Context, key string, ts int64, withinSec int, threshold int) (bool, error)
}
