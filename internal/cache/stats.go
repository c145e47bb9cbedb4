// Package cache provides a Redis-backed cache for per-owner task statistics.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hiroki-koketsu/go-task-tracker/internal/model"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/go-task-tracker/internal/cache")

// DefaultPrefix namespaces every key this cache writes.
const DefaultPrefix = "stats:"

var errStale = errors.New("stats generation changed")

// parseGen reads a generation value; an absent key is generation 0.
func parseGen(v any) (int64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case string:
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache generation %q: %w", v, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cache generation has type %T", v)
	}
}

// StatsCache stores computed TaskStats per owner with a fixed TTL.
type StatsCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewStatsCache creates a new StatsCache.
func NewStatsCache(client *redis.Client, prefix string, ttl time.Duration) *StatsCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &StatsCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *StatsCache) key(ownerID string) string {
	return c.prefix + ownerID
}

// genKey holds the owner's generation, bumped by every Invalidate.
func (c *StatsCache) genKey(ownerID string) string {
	return c.prefix + "gen:" + ownerID
}

// Get returns the cached stats for ownerID along with the owner's current
// generation. A miss returns (nil, gen, false, nil); pass gen to Set.
func (c *StatsCache) Get(ctx context.Context, ownerID string) (*model.TaskStats, int64, bool, error) {
	ctx, span := tracer.Start(ctx, "StatsCache.Get",
		trace.WithAttributes(attribute.String("cache.key", c.key(ownerID))),
	)
	defer span.End()

	vals, err := c.client.MGet(ctx, c.key(ownerID), c.genKey(ownerID)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, 0, false, fmt.Errorf("cache get error: %w", err)
	}

	gen, err := parseGen(vals[1])
	if err != nil {
		span.RecordError(err)
		return nil, 0, false, err
	}

	data, ok := vals[0].(string)
	if !ok {
		c.misses.Add(1)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, gen, false, nil
	}

	var stats model.TaskStats
	if err := json.Unmarshal([]byte(data), &stats); err != nil {
		span.RecordError(err)
		return nil, 0, false, fmt.Errorf("cache unmarshal error: %w", err)
	}

	c.hits.Add(1)
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return &stats, gen, true, nil
}

// Set stores stats for ownerID if the owner's generation is still gen. A
// write that lost the race against Invalidate is dropped and reports nil.
func (c *StatsCache) Set(ctx context.Context, ownerID string, gen int64, stats *model.TaskStats) error {
	ctx, span := tracer.Start(ctx, "StatsCache.Set")
	defer span.End()

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}

	genKey := c.genKey(ownerID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		cur, err := parseGen(raw)
		if err != nil {
			return err
		}
		if cur != gen {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(ownerID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		span.SetAttributes(attribute.Bool("cache.stale", true))
		return nil
	default:
		span.RecordError(err)
		return fmt.Errorf("cache set error: %w", err)
	}
}

// Invalidate drops the cached stats for ownerID and bumps its generation so
// that computations already in flight cannot store their result.
func (c *StatsCache) Invalidate(ctx context.Context, ownerID string) error {
	ctx, span := tracer.Start(ctx, "StatsCache.Invalidate")
	defer span.End()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(ownerID))
		pipe.Del(ctx, c.key(ownerID))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

// HitsAndMisses reports lookup counters since startup.
func (c *StatsCache) HitsAndMisses() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Ping checks if the Redis connection is healthy.
func (c *StatsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (c *StatsCache) Close() error {
	return c.client.Close()
}
