// Package cache provides the Redis-backed result cache. Caching is strictly
// an optimization: a missing or unreachable backend degrades every read to a
// miss and every write to a no-op, never to an error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is a cached processing result for one chunk fingerprint.
type Entry struct {
	ChunkIndex int       `json:"chunk_index"`
	Filename   string    `json:"filename"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	Minutes    float64   `json:"minutes"`
	CreatedAt  time.Time `json:"created_at"`
}

// Cache wraps a Redis client as an opaque fingerprint→result store.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis using the given URL. An empty URL disables caching;
// a failed initial ping only logs a warning, since the backend may come up
// later and every operation tolerates its absence.
func New(ctx context.Context, url string, logger *slog.Logger) (*Cache, error) {
	if url == "" {
		logger.Warn("Result cache disabled: no redis URL configured")
		return &Cache{logger: logger}, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Result cache backend unreachable, operating as always-miss",
			slog.String("error", err.Error()),
		)
	}

	return &Cache{client: client, logger: logger}, nil
}

// Get returns the cached entry for the key, or (nil, false) on a miss. A
// backend failure is indistinguishable from a genuine miss.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	if c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Cache get failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("Cache entry corrupt, treating as miss",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	return &entry, true
}

// Put stores the entry under key with the given TTL. Failures are logged and
// swallowed; entries are never overwritten piecemeal (write-once per key).
func (c *Cache) Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if c.client == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("Cache entry marshal failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("Cache put failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Close releases the underlying client, if any.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
