package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is a single-process limiter for setups without Redis.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	slot   int64
	counts map[string]int64
}

func NewMemory(limit int, window time.Duration) (*Memory, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errBadWindow
	}
	return &Memory{limit: limit, window: window, now: time.Now, counts: make(map[string]int64)}, nil
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	slot, left := windowSlot(m.now(), m.window)
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot != m.slot {
		m.slot = slot
		clear(m.counts)
	}
	key = normalizeKey(key)
	m.counts[key]++
	return decide(m.counts[key], m.limit, left), nil
}
