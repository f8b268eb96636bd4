package stream

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisBus(rdb, "ids:")
}

func TestAppendAndLatestID(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	// An empty stream reports the zero id.
	latest, err := bus.LatestID(ctx, EventStream)
	require.NoError(t, err)
	assert.Equal(t, ZeroID, latest)

	id1, err := bus.Append(ctx, EventStream, map[string]any{"src_ip": "1.2.3.4"})
	require.NoError(t, err)
	id2, err := bus.Append(ctx, EventStream, map[string]any{"src_ip": "5.6.7.8"})
	require.NoError(t, err)
	assert.Less(t, id1, id2, "ids increase monotonically")

	latest, err = bus.LatestID(ctx, EventStream)
	require.NoError(t, err)
	assert.Equal(t, id2, latest)
}

func TestTailAfterCursor(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	id1, err := bus.Append(ctx, AlertStream, map[string]any{"rule_id": "r1"})
	require.NoError(t, err)
	_, err = bus.Append(ctx, AlertStream, map[string]any{"rule_id": "r2"})
	require.NoError(t, err)
	_, err = bus.Append(ctx, AlertStream, map[string]any{"rule_id": "r3"})
	require.NoError(t, err)

	// Tailing after the first id yields only what came later, in order.
	entries, err := bus.Tail(ctx, AlertStream, id1, 50*time.Millisecond, 50)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r2", entries[0].Fields["rule_id"])
	assert.Equal(t, "r3", entries[1].Fields["rule_id"])

	// Tailing from zero replays everything still held.
	entries, err = bus.Tail(ctx, AlertStream, ZeroID, 50*time.Millisecond, 50)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestTailRespectsCount(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bus.Append(ctx, EventStream, map[string]any{"n": strconv.Itoa(i)})
		require.NoError(t, err)
	}

	entries, err := bus.Tail(ctx, EventStream, ZeroID, 50*time.Millisecond, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestEnsureExistsIsIdempotent(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.EnsureExists(ctx, EventStream))
	require.NoError(t, bus.EnsureExists(ctx, EventStream))

	// The placeholder does not survive; the stream exists but is empty.
	n, err := bus.Len(ctx, EventStream)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	latest, err := bus.LatestID(ctx, EventStream)
	require.NoError(t, err)
	assert.NotEqual(t, "", latest)

	// Existing content is left alone.
	_, err = bus.Append(ctx, EventStream, map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, bus.EnsureExists(ctx, EventStream))
	n, err = bus.Len(ctx, EventStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFlattenNestedFields(t *testing.T) {
	flat := Flatten(map[string]any{
		"rule_id": "r1",
		"count":   int64(5),
		"ok":      true,
		"nothing": nil,
		"assessment": map[string]any{
			"risk": "high",
		},
		"targets": []string{"http://srv-01/admin"},
	})

	assert.Equal(t, "r1", flat["rule_id"])
	assert.Equal(t, "5", flat["count"])
	assert.Equal(t, "true", flat["ok"])
	assert.Equal(t, "", flat["nothing"])
	assert.JSONEq(t, `{"risk":"high"}`, flat["assessment"])
	assert.JSONEq(t, `["http://srv-01/admin"]`, flat["targets"])
}
