// Package cache is the Redis-backed enrichment cache. Inference output for a
// memory is expensive to recompute, so consolidated insights are cached by
// content hash. The cache is strictly optional: every read path treats a miss
// and a dead Redis the same way.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the consolidation pipeline.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a cache client and verifies connectivity.
func New(url string, ttl time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{rdb: rdb, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports reachability for health probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func insightKey(contentHash string) string {
	return fmt.Sprintf("insight:%s", contentHash)
}

func stageLockKey(stage string) string {
	return fmt.Sprintf("stage_lock:%s", stage)
}

// GetInsight returns the cached inference output for a content hash.
// A miss returns found=false with no error.
func (c *Client) GetInsight(ctx context.Context, contentHash string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, insightKey(contentHash)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get failed: %w", err)
	}
	return val, true, nil
}

// PutInsight caches inference output under the content hash.
func (c *Client) PutInsight(ctx context.Context, contentHash, insight string) error {
	if err := c.rdb.Set(ctx, insightKey(contentHash), insight, c.ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// AcquireStageLock takes a best-effort mutex so overlapping schedules of the
// same stage never run concurrently.
func (c *Client) AcquireStageLock(ctx context.Context, stage string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, stageLockKey(stage), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseStageLock releases a stage mutex.
func (c *Client) ReleaseStageLock(ctx context.Context, stage string) error {
	return c.rdb.Del(ctx, stageLockKey(stage)).Err()
}

// Flush drops every cached insight. Recovery uses this when the cache is
// suspected of serving stale or corrupt entries; the pipeline repopulates it
// on the next pass.
func (c *Client) Flush(ctx context.Context) error {
	if err := c.rdb.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("flushdb failed: %w", err)
	}
	return nil
}
