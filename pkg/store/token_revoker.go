package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker tracks revoked token ids until the tokens would expire.
type TokenRevoker interface {
	Revoke(tokenID string, ttl time.Duration) error
	IsRevoked(tokenID string) (bool, error)
}

// UserTokenRevoker also holds a per-user cutoff: tokens issued before it are
// dead. Cutoffs only move forward.
type UserTokenRevoker interface {
	TokenRevoker
	RevokeUser(userID string, since time.Time) error
	RevokedAfter(userID string) (time.Time, error)
}

// MemoryTokenRevoker is a process-local revoker for single-instance setups.
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	expiry  map[string]time.Time
	cutoffs map[string]time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		expiry:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
	}
}

// Revoke also drops entries whose tokens have expired on their own.
func (r *MemoryTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, until := range r.expiry {
		if now.After(until) {
			delete(r.expiry, id)
		}
	}
	r.expiry[tokenID] = now.Add(ttl)
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.expiry[tokenID]
	return ok && time.Now().Before(until), nil
}

// RevokeUser keeps cutoffs at millisecond precision, the precision of the
// issue time carried by session tokens.
func (r *MemoryTokenRevoker) RevokeUser(userID string, since time.Time) error {
	since = since.UTC().Truncate(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	if since.After(r.cutoffs[userID]) {
		r.cutoffs[userID] = since
	}
	return nil
}

func (r *MemoryTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[userID], nil
}

// RedisTokenRevoker shares revocations between replicas. Token entries
// expire with the token; user cutoffs live for cutoffTTL, which must cover
// the session lifetime.
type RedisTokenRevoker struct {
	client    *redis.Client
	cutoffTTL time.Duration
}

func NewRedisTokenRevoker(addr, password string, cutoffTTL time.Duration) *RedisTokenRevoker {
	if cutoffTTL <= 0 {
		cutoffTTL = 24 * time.Hour
	}
	return &RedisTokenRevoker{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		cutoffTTL: cutoffTTL,
	}
}

func (r *RedisTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := redisCtx()
	defer cancel()
	return r.client.Set(ctx, "copyreg:revoked:"+tokenID, 1, ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	ctx, cancel := redisCtx()
	defer cancel()
	n, err := r.client.Exists(ctx, "copyreg:revoked:"+tokenID).Result()
	return n > 0, err
}

// stores ARGV[1] (unix millis) only if it is later than the current value
var raiseCutoffScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if tonumber(ARGV[1]) > current then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
end
return 1
`)

func (r *RedisTokenRevoker) RevokeUser(userID string, since time.Time) error {
	ctx, cancel := redisCtx()
	defer cancel()
	keys := []string{"copyreg:revoked-user:" + userID}
	return raiseCutoffScript.Run(ctx, r.client, keys, since.UnixMilli(), r.cutoffTTL.Milliseconds()).Err()
}

func (r *RedisTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	ctx, cancel := redisCtx()
	defer cancel()
	ms, err := r.client.Get(ctx, "copyreg:revoked-user:"+userID).Int64()
	switch {
	case err == redis.Nil:
		return time.Time{}, nil
	case err != nil:
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (r *RedisTokenRevoker) Close() error {
	return r.client.Close()
}

func redisCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}
