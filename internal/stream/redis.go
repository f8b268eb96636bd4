package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultOpTimeout = 3 * time.Second

// RedisBus implements Bus on Redis Streams (XADD MAXLEN ~ / XREVRANGE /
// XREAD BLOCK). The go-redis pool reconnects lazily, so a backend outage
// costs the failing call only; the next call retries on a fresh
// connection.
type RedisBus struct {
	rdb       redis.UniversalClient
	keyPrefix string
	caps      map[string]int64
	opTimeout time.Duration
}

// NewRedisBus creates a bus with the default stream caps. keyPrefix
// namespaces the stream keys (default "ids:").
func NewRedisBus(rdb redis.UniversalClient, keyPrefix string) *RedisBus {
	if keyPrefix == "" {
		keyPrefix = "ids:"
	}
	return &RedisBus{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		caps: map[string]int64{
			EventStream: DefaultEventCap,
			AlertStream: DefaultAlertCap,
		},
		opTimeout: defaultOpTimeout,
	}
}

// SetCap overrides the approximate cap for a stream.
func (b *RedisBus) SetCap(stream string, maxLen int64) {
	b.caps[stream] = maxLen
}

func (b *RedisBus) key(stream string) string {
	return b.keyPrefix + stream
}

func (b *RedisBus) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	flat := Flatten(fields)
	values := make(map[string]interface{}, len(flat))
	for k, v := range flat {
		values[k] = v
	}

	maxLen := b.caps[stream]
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.key(stream),
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (b *RedisBus) LatestID(ctx context.Context, stream string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	entries, err := b.rdb.XRevRangeN(ctx, b.key(stream), "+", "-", 1).Result()
	if err != nil {
		return ZeroID, fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(entries) == 0 {
		return ZeroID, nil
	}
	return entries[0].ID, nil
}

func (b *RedisBus) Tail(ctx context.Context, stream string, afterID string, block time.Duration, count int64) ([]Entry, error) {
	// The deadline must outlive the server-side block.
	ctx, cancel := context.WithTimeout(ctx, block+b.opTimeout)
	defer cancel()

	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.key(stream), afterID},
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // timed out, nothing new
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", stream, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				fields[k] = fmt.Sprint(v)
			}
			entries = append(entries, Entry{ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

// EnsureExists creates the stream key if absent by appending and deleting
// a placeholder entry, the only way to materialize an empty stream.
func (b *RedisBus) EnsureExists(ctx context.Context, stream string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	key := b.key(stream)
	n, err := b.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("exists %s: %w", stream, err)
	}
	if n > 0 {
		return nil
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"_init": "1"},
	}).Result()
	if err != nil {
		return fmt.Errorf("init %s: %w", stream, err)
	}
	return b.rdb.XDel(ctx, key, id).Err()
}

// Len returns the current stream length, for diagnostics.
func (b *RedisBus) Len(ctx context.Context, stream string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	return b.rdb.XLen(ctx, b.key(stream)).Result()
}
