package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/logsentry/backend/internal/event"
)

const (
	// windowGrace pads the TTL past the sliding window so entries expire
	// only after they can no longer be counted.
	windowGrace = 60 * time.Second

	defaultOpTimeout = 3 * time.Second
)

// RedisStore implements Store on Redis: ZSETs for the window and distinct
// counters, a HASH per window for evidence snapshots, and plain keys with
// expiry for cooldown markers.
//
// Key layout under the prefix (default "det"):
//
//	det:win:{key}   ZSET  score=ts member=raw_id        window counter
//	det:dst:{key}   ZSET  score=ts member=distinct_val  distinct counter
//	det:evt:{key}   HASH  field=member value=json       evidence snapshots
//	det:cd:{key}    STR   value=last_fire_ts  EX=cooldown
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	opTimeout time.Duration
	now       func() int64 // cooldown clock, swappable in tests
}

// NewRedisStore wraps an existing Redis client. The client is shared and
// must be safe for concurrent use (go-redis clients are).
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "det"
	}
	return &RedisStore{
		rdb:       rdb,
		prefix:    prefix,
		opTimeout: defaultOpTimeout,
		now:       func() int64 { return time.Now().Unix() },
	}
}

func (s *RedisStore) key(kind, k string) string {
	return s.prefix + ":" + kind + ":" + k
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) WindowRecord(ctx context.Context, key string, ts int64, windowSec int, member string, snap event.Snapshot, keepLast int) (int64, []event.Snapshot, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	zkey := s.key("win", key)
	hkey := s.key("evt", key)
	start := ts - int64(windowSec)
	ttl := time.Duration(windowSec)*time.Second + windowGrace

	blob, err := json.Marshal(snap)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(ts), Member: member})
	pipe.HSet(ctx, hkey, member, blob)
	pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(start, 10))
	card := pipe.ZCard(ctx, zkey)
	pipe.Expire(ctx, zkey, ttl)
	pipe.Expire(ctx, hkey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, nil, fmt.Errorf("window pipeline %s: %w", key, err)
	}

	events, err := s.hydrate(ctx, zkey, hkey, start, ts, keepLast)
	if err != nil {
		// Evidence is best-effort: the count already landed.
		slog.Warn("[StateStore] Evidence hydration failed", "key", key, "error", err)
		events = nil
	}
	return card.Val(), events, nil
}

func (s *RedisStore) WindowDistinctCount(ctx context.Context, key string, ts int64, windowSec int, distinctValue string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	dkey := s.key("dst", key)
	start := ts - int64(windowSec)
	ttl := time.Duration(windowSec)*time.Second + windowGrace

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, dkey, redis.Z{Score: float64(ts), Member: distinctValue})
	pipe.ZRemRangeByScore(ctx, dkey, "0", strconv.FormatInt(start, 10))
	card := pipe.ZCard(ctx, dkey)
	pipe.Expire(ctx, dkey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("distinct pipeline %s: %w", key, err)
	}
	return card.Val(), nil
}

func (s *RedisStore) WindowGetEvents(ctx context.Context, key string, ts int64, windowSec int, keepLast int) ([]event.Snapshot, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	zkey := s.key("win", key)
	hkey := s.key("evt", key)
	return s.hydrate(ctx, zkey, hkey, ts-int64(windowSec), ts, keepLast)
}

// hydrate fetches window members in score order, keeps the most recent
// keepLast, and decodes their snapshots. Corrupt or missing blobs are
// skipped.
func (s *RedisStore) hydrate(ctx context.Context, zkey, hkey string, start, ts int64, keepLast int) ([]event.Snapshot, error) {
	members, err := s.rdb.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
		Min: strconv.FormatInt(start+1, 10),
		Max: strconv.FormatInt(ts, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", zkey, err)
	}
	if keepLast > 0 && len(members) > keepLast {
		members = members[len(members)-keepLast:]
	}
	if len(members) == 0 {
		return []event.Snapshot{}, nil
	}

	blobs, err := s.rdb.HMGet(ctx, hkey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget %s: %w", hkey, err)
	}

	events := make([]event.Snapshot, 0, len(blobs))
	for _, raw := range blobs {
		str, ok := raw.(string)
		if !ok || str == "" {
			continue
		}
		var snap event.Snapshot
		if err := json.Unmarshal([]byte(str), &snap); err != nil {
			continue
		}
		events = append(events, snap)
	}
	return events, nil
}

func (s *RedisStore) CooldownAllow(ctx context.Context, dedupKey string, cooldownSec int) (bool, error) {
	if cooldownSec <= 0 {
		return true, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	k := s.key("cd", dedupKey)
	now := s.now()
	expiry := time.Duration(cooldownSec) * time.Second

	last, err := s.rdb.Get(ctx, k).Result()
	if err == redis.Nil {
		if err := s.rdb.Set(ctx, k, now, expiry).Err(); err != nil {
			return false, fmt.Errorf("set cooldown %s: %w", dedupKey, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get cooldown %s: %w", dedupKey, err)
	}

	lastTS, err := strconv.ParseInt(last, 10, 64)
	if err == nil && now-lastTS < int64(cooldownSec) {
		return false, nil
	}

	// Marker expired (or unreadable): refresh and permit.
	if err := s.rdb.Set(ctx, k, now, expiry).Err(); err != nil {
		return false, fmt.Errorf("refresh cooldown %s: %w", dedupKey, err)
	}
	return true, nil
}

func (s *RedisStore) RecordFail(ctx context.Context, key string, ts int64, withinSec int) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	zkey := s.key("win", key+":fail")
	start := ts - int64(withinSec)
	ttl := time.Duration(withinSec)*time.Second + windowGrace

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(ts), Member: strconv.FormatInt(ts, 10)})
	pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(start, 10))
	card := pipe.ZCard(ctx, zkey)
	pipe.Expire(ctx, zkey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("fail pipeline %s: %w", key, err)
	}
	return card.Val(), nil
}

func (s *RedisStore) HadRecentFailBurst(ctx context.Context, key string, ts int64, withinSec int, threshold int) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	zkey := s.key("win", key+":fail")
	start := ts - int64(withinSec)
	cnt, err := s.rdb.ZCount(ctx, zkey,
		strconv.FormatInt(start+1, 10), strconv.FormatInt(ts, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("zcount %s: %w", key, err)
	}
	return cnt >= int64(threshold), nil
}
