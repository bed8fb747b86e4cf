// Package sequence allocates the human-facing sequential request ids.
package sequence

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Counter is an atomic increment-and-read primitive. Implementations must
// never hand out the same value twice for one key. Gaps are allowed.
type Counter interface {
	Increment(ctx context.Context, key string) (int64, error)
}

// --- MemoryCounter ---

// MemoryCounter is an in-process Counter. Suitable for testing and
// single-instance deployments.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

// Increment bumps key and returns the new value.
func (c *MemoryCounter) Increment(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key]++
	return c.values[key], nil
}

// Seed sets the current value of key. For testing and migrations.
func (c *MemoryCounter) Seed(key string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// --- RedisCounter ---

// RedisCounter uses INCR, which is atomic on the server.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCounter creates a Redis-backed counter. Keys are stored as
// "{prefix}{key}".
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

// Increment runs INCR on the prefixed key.
func (c *RedisCounter) Increment(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, c.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", c.prefix+key, err)
	}
	return n, nil
}

// --- PgCounter ---

// PgCounter keeps counters in a single table and increments with an upsert,
// so the row lock serializes concurrent callers.
type PgCounter struct {
	pool *pgxpool.Pool
}

// NewPgCounter creates a PostgreSQL-backed counter.
//
// Expected schema:
//
//	CREATE TABLE request_counters (
//	    key   TEXT PRIMARY KEY,
//	    value BIGINT NOT NULL
//	);
func NewPgCounter(pool *pgxpool.Pool) *PgCounter {
	return &PgCounter{pool: pool}
}

// Increment upserts the row and returns the new value.
func (c *PgCounter) Increment(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.pool.QueryRow(ctx, `
		INSERT INTO request_counters (key, value) VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET value = request_counters.value + 1
		RETURNING value`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment counter %q: %w", key, err)
	}
	return n, nil
}
