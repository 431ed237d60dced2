package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// one counter per key and slot; the key dies with its window
var incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Redis shares fixed-window counters between replicas.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewRedis(addr, password, prefix string, limit int, window time.Duration) (*Redis, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errBadWindow
	}
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "copyreg:ratelimit"
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		limit:  limit,
		window: window,
	}, nil
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	slot, left := windowSlot(time.Now(), l.window)
	counter := fmt.Sprintf("%s:%s:%d", l.prefix, normalizeKey(key), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := incrWindowScript.Run(ctx, l.client, []string{counter}, l.window.Milliseconds()).Int64()
	if err != nil {
		return Decision{RetryAfter: left}, fmt.Errorf("rate limit counter: %w", err)
	}
	return decide(count, l.limit, left), nil
}

func (l *Redis) Close() error {
	return l.client.Close()
}
