package state

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsentry/backend/internal/event"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "det")
}

func snap(ts int64, ip string) event.Snapshot {
	return event.Snapshot{TS: ts, AttackIP: ip, IP: ip, Host: "srv-01"}
}

func TestWindowRecordCountsAndHydrates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := int64(1700000000)

	for i := 0; i < 5; i++ {
		ts := base + int64(i)
		count, events, err := store.WindowRecord(ctx, "r1:src_ip=1.2.3.4", ts, 60,
			"raw-"+strconv.Itoa(i), snap(ts, "1.2.3.4"), 50)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), count)
		assert.Len(t, events, i+1)
	}

	// Evidence comes back oldest first.
	_, events, err := store.WindowRecord(ctx, "r1:src_ip=1.2.3.4", base+5, 60,
		"raw-5", snap(base+5, "1.2.3.4"), 50)
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, base, events[0].TS)
	assert.Equal(t, base+5, events[5].TS)
}

func TestWindowRecordIdempotentMember(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := int64(1700000000)

	for i := 0; i < 3; i++ {
		count, _, err := store.WindowRecord(ctx, "r1:g", base, 60, "same-raw-id", snap(base, "1.2.3.4"), 50)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count, "re-recording the same (ts, member) must not inflate the count")
	}
}

func TestWindowRecordSlidesOutOldEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := int64(1700000000)

	_, _, err := store.WindowRecord(ctx, "r1:g", base, 60, "old", snap(base, "1.2.3.4"), 50)
	require.NoError(t, err)

	// 61 seconds later the first entry is outside the window.
	count, events, err := store.WindowRecord(ctx, "r1:g", base+61, 60, "new", snap(base+61, "1.2.3.4"), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	require.Len(t, events, 1)
	assert.Equal(t, base+61, events[0].TS)
}

func TestWindowRecordKeepLast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := int64(1700000000)

	var events []event.Snapshot
	var err error
	for i := 0; i < 10; i++ {
		ts := base + int64(i)
		_, events, err = store.WindowRecord(ctx, "r1:g", ts, 300, "m"+strconv.Itoa(i), snap(ts, "1.2.3.4"), 3)
		require.NoError(t, err)
	}
	require.Len(t, events, 3)
	assert.Equal(t, base+7, events[0].TS)
	assert.Equal(t, base+9, events[2].TS)
}

func TestWindowRecordSkipsCorruptSnapshots(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := NewRedisStore(rdb, "det")
	ctx := context.Background()
	base := int64(1700000000)

	_, _, err := store.WindowRecord(ctx, "r1:g", base, 60, "good", snap(base, "1.2.3.4"), 50)
	require.NoError(t, err)
	mr.HSet("det:evt:r1:g", "good", "{not json")

	count, events, err := store.WindowRecord(ctx, "r1:g", base+1, 60, "good2", snap(base+1, "1.2.3.4"), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	require.Len(t, events, 1, "corrupt snapshot is skipped, never fatal")
	assert.Equal(t, base+1, events[0].TS)
}

func TestWindowDistinctCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := int64(1700000000)

	// The same value repeated keeps one slot.
	for i := 0; i < 5; i++ {
		count, err := store.WindowDistinctCount(ctx, "r2:g", base+int64(i), 120, "root")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	}

	count, err := store.WindowDistinctCount(ctx, "r2:g", base+10, 120, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// A value last seen outside the window is dropped.
	count, err = store.WindowDistinctCount(ctx, "r2:g", base+200, 120, "ubuntu")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCooldownAllow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := int64(1700000000)
	store.now = func() int64 { return now }

	// Cold state permits and arms the marker.
	ok, err := store.CooldownAllow(ctx, "rule:1.2.3.4", 300)
	require.NoError(t, err)
	assert.True(t, ok)

	// Still cooling.
	now += 100
	ok, err = store.CooldownAllow(ctx, "rule:1.2.3.4", 300)
	require.NoError(t, err)
	assert.False(t, ok)

	// Past the interval the marker refreshes and permits again.
	now += 250
	ok, err = store.CooldownAllow(ctx, "rule:1.2.3.4", 300)
	require.NoError(t, err)
	assert.True(t, ok)

	// Independent dedup keys do not interfere.
	ok, err = store.CooldownAllow(ctx, "rule:5.6.7.8", 300)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCooldownZeroNeverSuppresses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := store.CooldownAllow(ctx, "rule:any", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestFailBurst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := int64(1700000000)

	for i := 0; i < 4; i++ {
		_, err := store.RecordFail(ctx, "seq:g", base+int64(i), 300)
		require.NoError(t, err)
	}

	burst, err := store.HadRecentFailBurst(ctx, "seq:g", base+10, 300, 5)
	require.NoError(t, err)
	assert.False(t, burst)

	count, err := store.RecordFail(ctx, "seq:g", base+4, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	burst, err = store.HadRecentFailBurst(ctx, "seq:g", base+10, 300, 5)
	require.NoError(t, err)
	assert.True(t, burst)

	// The burst ages out of the correlation window.
	burst, err = store.HadRecentFailBurst(ctx, "seq:g", base+400, 300, 5)
	require.NoError(t, err)
	assert.False(t, burst)
}

func TestWindowGetEventsReadOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := int64(1700000000)

	_, _, err := store.WindowRecord(ctx, "r1:g", base, 60, "m1", snap(base, "1.2.3.4"), 50)
	require.NoError(t, err)

	events, err := store.WindowGetEvents(ctx, "r1:g", base+1, 60, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Reading an unknown key yields an empty window, not an error.
	events, err = store.WindowGetEvents(ctx, "missing:g", base, 60, 50)
	require.NoError(t, err)
	assert.Empty(t, events)
}
