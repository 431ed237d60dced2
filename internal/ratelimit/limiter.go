// Package ratelimit counts requests per key in fixed windows.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time left in the current window.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed. An error
// means the limiter could not decide; callers should refuse the request.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

var errBadWindow = errors.New("rate limiter requires positive limit and window")

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}

func decide(count int64, limit int, left time.Duration) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    count <= int64(limit),
		Remaining:  remaining,
		RetryAfter: left,
	}
}

// windowSlot returns the slot index of now and the time left in it.
func windowSlot(now time.Time, window time.Duration) (int64, time.Duration) {
	ms := window.Milliseconds()
	at := now.UnixMilli()
	slot := at / ms
	left := time.Duration((slot+1)*ms-at) * time.Millisecond
	return slot, left
}
