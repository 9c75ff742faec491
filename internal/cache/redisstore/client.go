// Package redisstore wraps the Redis operations used by the payload tier.
// Payload keys are grouped under per-layer index sets so a layer can be
// dropped without scanning the keyspace.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
)

const scanBatch = 256

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) {
		if n > 0 {
			o.PoolSize = n
		}
	}
}

// WithOpTimeout bounds reads and writes; the dial timeout is kept at twice d.
func WithOpTimeout(d time.Duration) Option {
	return func(o *redis.Options) {
		if d <= 0 {
			return
		}
		o.ReadTimeout = d
		o.WriteTimeout = d
		o.DialTimeout = 2 * d
	}
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}
	c := &Client{rdb: redis.NewClient(ro)}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

func observe(op string, start time.Time, err error) {
	observability.ObserveCacheOp(op, err, time.Since(start).Seconds())
}

// Get returns the value at key; a missing key is not an error.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observe("get", start, nil)
		observability.IncCacheMiss("redis")
		return nil, false, nil
	}
	observe("get", start, err)
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	observability.IncCacheHit("redis")
	return b, true, nil
}

// PutIndexed stores val under key and records key in the index set, both
// with ttl, in one transaction.
func (c *Client) PutIndexed(ctx context.Context, key string, val []byte, ttl time.Duration, index string) error {
	start := time.Now()
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, val, ttl)
		p.SAdd(ctx, index, key)
		if ttl > 0 {
			p.Expire(ctx, index, ttl)
		}
		return nil
	})
	observe("put", start, err)
	if err != nil {
		return fmt.Errorf("redis put %q into %q: %w", key, index, err)
	}
	return nil
}

// PurgeIndex deletes every key recorded in index and the index itself. It
// returns the number of recorded keys.
func (c *Client) PurgeIndex(ctx context.Context, index string) (int, error) {
	start := time.Now()
	members, err := c.rdb.SMembers(ctx, index).Result()
	if err != nil {
		observe("purge_index", start, err)
		return 0, fmt.Errorf("redis SMEMBERS %q: %w", index, err)
	}
	err = c.rdb.Del(ctx, append(members, index)...).Err()
	observe("purge_index", start, err)
	if err != nil {
		return 0, fmt.Errorf("redis DEL %d keys of %q: %w", len(members), index, err)
	}
	return len(members), nil
}

// Purge deletes every key matching pattern, scanning in batches.
func (c *Client) Purge(ctx context.Context, pattern string) (int, error) {
	start := time.Now()
	n := 0
	iter := c.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		n += len(batch)
		batch = batch[:0]
		return nil
	}
	var err error
	for err == nil && iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			err = flush()
		}
	}
	if err == nil {
		err = iter.Err()
	}
	if err == nil {
		err = flush()
	}
	observe("purge", start, err)
	if err != nil {
		return n, fmt.Errorf("redis purge %q: %w", pattern, err)
	}
	return n, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observe("ping", start, err)
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
