// Package idempotency deduplicates retried submissions. A client sends an
// idempotency key with a submission; replays with the same key and body get
// the originally created request back instead of a new one.
//
// A key is claimed with Reserve before the submission runs, so two
// concurrent calls with the same key cannot both create a request. The
// winner either completes the claim with Save or gives it back with Release.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/intraflow/model"
)

// DefaultTTL is how long a key is remembered when none is configured.
const DefaultTTL = 24 * time.Hour

// PendingTTL bounds how long an unfinished claim blocks its key, so a crash
// between Reserve and Save does not lock the key for a full TTL.
const PendingTTL = 2 * time.Minute

// Result is what a replay returns.
type Result struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId"`
}

// Store remembers submission results by key.
type Store interface {
	// Reserve claims key for a new submission. reserved is true when the
	// caller now owns the key. Otherwise result holds the earlier outcome.
	// A key used with a different input hash, or still claimed by an
	// unfinished submission, yields a CONFLICT error.
	Reserve(ctx context.Context, key, inputHash string) (result *Result, reserved bool, err error)

	// Save completes a claim with the created request, kept for ttl.
	Save(ctx context.Context, key, inputHash string, result Result, ttl time.Duration) error

	// Release drops an unfinished claim so the client can retry.
	Release(ctx context.Context, key string) error
}

type entry struct {
	InputHash string `json:"input_hash"`
	Result    Result `json:"result"`
}

func (e entry) pending() bool { return e.Result.ID == "" }

// outcome decides what a second caller gets for an existing entry.
func (e entry) outcome(key, inputHash string) (*Result, bool, error) {
	if e.InputHash != inputHash {
		return nil, false, model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
	}
	if e.pending() {
		return nil, false, model.NewConflictError(fmt.Sprintf("idempotency key %q is still being processed", key))
	}
	result := e.Result
	return &result, false, nil
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// Reserve claims key under the store lock.
func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string) (*Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok {
		if now.Before(e.expiresAt) {
			return e.data.outcome(key, inputHash)
		}
		delete(s.entries, key)
	}

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash},
		expiresAt: now.Add(PendingTTL),
	}
	return nil, true, nil
}

// Save stores a result with TTL.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, result Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Release removes key if it is still an unfinished claim.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.data.pending() {
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of entries, expired ones included. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Claims use SET NX and expiry is left
// to Redis.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve claims key with SET NX. When the key exists its entry decides the
// outcome; a key that expires between the two calls is claimed again.
func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string) (*Result, bool, error) {
	claim, err := json.Marshal(entry{InputHash: inputHash})
	if err != nil {
		return nil, false, fmt.Errorf("marshal idempotency claim: %w", err)
	}

	for range 2 {
		ok, err := s.client.SetNX(ctx, key, claim, PendingTTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return nil, true, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("redis get %q: %w", key, err)
		}

		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
		}
		return e.outcome(key, inputHash)
	}
	return nil, false, model.NewConflictError(fmt.Sprintf("idempotency key %q is still being processed", key))
}

// Save stores a result in Redis with TTL, replacing the claim.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, result Result, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release deletes the claim.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// FormatKey scopes a client key to the submitting user.
func FormatKey(subjectID, key string) string {
	return fmt.Sprintf("idem:submit:%s:%s", subjectID, key)
}

// HashInput returns a stable hash of raw request bytes.
func HashInput(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
