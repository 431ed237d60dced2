package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"copyreg/internal/util"
)

// RedisSessionStore keeps opaque session tokens in Redis. Only a digest of
// each token is stored. Every user has a sorted set of live digests scored
// by expiry, which makes revoking all of a user's sessions one round trip.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(addr, password string, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl:    ttl,
	}
}

func (s *RedisSessionStore) NewSession(userID string) (string, error) {
	token, err := util.NewToken(32)
	if err != nil {
		return "", err
	}
	digest := tokenDigest(token)
	expires := time.Now().Add(s.ttl).UnixMilli()
	index := userSessionsKey(userID)

	ctx, cancel := redisCtx()
	defer cancel()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(digest), userID, s.ttl)
		pipe.ZRemRangeByScore(ctx, index, "-inf", strconv.FormatInt(time.Now().UnixMilli(), 10))
		pipe.ZAdd(ctx, index, redis.Z{Score: float64(expires), Member: digest})
		pipe.PExpire(ctx, index, s.ttl)
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *RedisSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	ctx, cancel := redisCtx()
	defer cancel()
	userID, err := s.client.Get(ctx, sessionKey(tokenDigest(token))).Result()
	switch {
	case err == redis.Nil:
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return userID, true, nil
}

// DeleteSession is a no-op for unknown tokens.
func (s *RedisSessionStore) DeleteSession(token string) error {
	digest := tokenDigest(token)
	ctx, cancel := redisCtx()
	defer cancel()
	userID, err := s.client.GetDel(ctx, sessionKey(digest)).Result()
	switch {
	case err == redis.Nil:
		return nil
	case err != nil:
		return err
	}
	return s.client.ZRem(ctx, userSessionsKey(userID), digest).Err()
}

// RevokeUserSessions drops every live session of the user. Opaque sessions
// carry no issue time, and all of them predate the call, so since is unused.
func (s *RedisSessionStore) RevokeUserSessions(userID string, _ time.Time) error {
	index := userSessionsKey(userID)
	ctx, cancel := redisCtx()
	defer cancel()
	digests, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return err
	}
	keys := []string{index}
	for _, digest := range digests {
		keys = append(keys, sessionKey(digest))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func sessionKey(digest string) string {
	return "copyreg:session:" + digest
}

func userSessionsKey(userID string) string {
	return "copyreg:user-sessions:" + userID
}
