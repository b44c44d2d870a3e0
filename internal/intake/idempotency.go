package intake

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/model"
)

// IdempotencyStore deduplicates answer updates.
// The key format is "idem:answers:{caseId}:{key}".
type IdempotencyStore interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (result *UpdateResult, found bool, err error)

	// Store saves an update result keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, inputHash string, result UpdateResult, ttl time.Duration) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	InputHash string       `json:"input_hash"`
	Result    UpdateResult `json:"result"`
}

func conflictError(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached result. Returns a conflict error if the input hash
// differs.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (*UpdateResult, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if entry.data.InputHash != inputHash {
		return nil, true, conflictError(key)
	}

	result := entry.data.Result.clone()
	return &result, true, nil
}

// Store saves a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, result UpdateResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data: idempotencyEntry{
			InputHash: inputHash,
			Result:    result.clone(),
		},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck implements observability.HealthChecker.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached result in Redis. Returns a conflict error if the
// input hash differs.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (*UpdateResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if entry.InputHash != inputHash {
		return nil, true, conflictError(key)
	}

	return &entry.Result, true, nil
}

// Store saves a result in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, result UpdateResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck implements observability.HealthChecker.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatIdempotencyKey builds the standard idempotency key.
func FormatIdempotencyKey(caseID, key string) string {
	return fmt.Sprintf("idem:answers:%s:%s", caseID, key)
}

// HashPatch returns a stable hash of a patch. encoding/json sorts map keys,
// so equal patches hash equally regardless of construction order.
func HashPatch(p answers.Patch) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("hash patch: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}
