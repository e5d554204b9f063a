package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// revocationEntry is the JSON-serializable record stored per spec.md §6:
// mcp:revoked:<jti> holds {jti, revoked_at, reason, user_id?}.
type revocationEntry struct {
	JTI       string    `json:"jti"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason"`
	UserID    string    `json:"user_id,omitempty"`
}

// DefaultRevocationTTL is the spec.md §6 default retention for revoked JTIs.
const DefaultRevocationTTL = 7 * 24 * time.Hour

// Revoker is satisfied by both revocation list implementations.
type Revoker interface {
	RevokeToken(ctx context.Context, jti, reason, userID string) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevocationList is an in-process JTI blocklist, grounded on
// internal/session.MemoryStore's RWMutex-guarded-map pattern.
type MemoryRevocationList struct {
	mu      sync.RWMutex
	entries map[string]revocationEntry
	ttl     time.Duration
}

// NewMemoryRevocationList creates a blocklist that expires entries after ttl.
func NewMemoryRevocationList(ttl time.Duration) *MemoryRevocationList {
	if ttl <= 0 {
		ttl = DefaultRevocationTTL
	}
	return &MemoryRevocationList{entries: make(map[string]revocationEntry), ttl: ttl}
}

// RevokeToken marks jti revoked immediately.
func (m *MemoryRevocationList) RevokeToken(_ context.Context, jti, reason, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[jti] = revocationEntry{JTI: jti, RevokedAt: time.Now(), Reason: reason, UserID: userID}
	return nil
}

// IsRevoked reports whether jti has been revoked and not yet expired.
func (m *MemoryRevocationList) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[jti]
	if !ok {
		return false, nil
	}
	if time.Since(entry.RevokedAt) > m.ttl {
		return false, nil
	}
	return true, nil
}

// RedisRevocationList is a distributed JTI blocklist backed by Redis,
// grounded on internal/session.RedisStore's go-redis/v9 usage: each
// revocation is a TTL'd key so expiry is enforced by Redis itself rather
// than a sweep, matching sessionData's Set-with-TTL pattern.
type RedisRevocationList struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisRevocationList connects to Redis and verifies the connection, in
// the same style as session.NewRedisStore.
func NewRedisRevocationList(cfg RedisConfig, ttl time.Duration) (*RedisRevocationList, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultRevocationTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:revoked:"
	}

	slog.Info("redis revocation list initialized", "addr", cfg.Addr, "key_prefix", prefix)
	return &RedisRevocationList{client: client, keyPrefix: prefix, ttl: ttl}, nil
}

// RedisConfig mirrors session.RedisConfig's shape for the revocation list's
// own connection, kept distinct so C11 doesn't depend on the session
// package's wire format.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

func (r *RedisRevocationList) key(jti string) string {
	return r.keyPrefix + jti
}

// RevokeToken writes a TTL'd revocation record. The testable property in
// spec.md §8 requires IsRevoked to return true immediately after this call
// returns, which Redis's synchronous SET satisfies.
func (r *RedisRevocationList) RevokeToken(ctx context.Context, jti, reason, userID string) error {
	entry := revocationEntry{JTI: jti, RevokedAt: time.Now(), Reason: reason, UserID: userID}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal revocation entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(jti), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write revocation entry: %w", err)
	}
	return nil
}

// IsRevoked checks for the presence of the key; Redis evicts it itself once
// the TTL elapses, so a miss after expiry is indistinguishable from never
// having been revoked, matching the spec's "revocations older than the
// retention window age out" behavior.
func (r *RedisRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// Close releases the underlying Redis connection.
func (r *RedisRevocationList) Close() error {
	return r.client.Close()
}
