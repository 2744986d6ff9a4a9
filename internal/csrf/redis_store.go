package csrf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "csrf:token:"

// RedisStore implements TokenStore backed by Redis. GETDEL makes consumption
// a single atomic operation.
type RedisStore struct {
	client redis.UniversalClient
}

var _ TokenStore = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed token store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Save stores the session binding with TTL.
func (s *RedisStore) Save(ctx context.Context, token, sessionID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyPrefix+token, sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("persist csrf token: %w", err)
	}
	return nil
}

// Consume atomically loads and deletes the token.
func (s *RedisStore) Consume(ctx context.Context, token string) (string, bool, error) {
	val, err := s.client.GetDel(ctx, keyPrefix+token).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load csrf token: %w", err)
	}
	return val, true, nil
}

// MemoryStore implements TokenStore in process memory for single-instance
// deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]memoryEntry
}

type memoryEntry struct {
	sessionID string
	expiresAt time.Time
}

var _ TokenStore = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]memoryEntry)}
}

// Save stores the session binding with TTL.
func (s *MemoryStore) Save(_ context.Context, token, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = memoryEntry{sessionID: sessionID, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Consume removes and returns the binding if present and unexpired.
func (s *MemoryStore) Consume(_ context.Context, token string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tokens[token]
	if !ok {
		return "", false, nil
	}
	delete(s.tokens, token)
	if time.Now().After(entry.expiresAt) {
		return "", false, nil
	}
	return entry.sessionID, true, nil
}
