package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Memory keeps one token bucket per key in process memory. It is the fallback
// when no Redis is configured; limits are then per instance.
type Memory struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	capacity int
	refill   float64
}

func NewMemory(capacity int, refillPerSecond float64) *Memory {
	return &Memory{
		limiters: make(map[string]*rate.Limiter),
		capacity: capacity,
		refill:   refillPerSecond,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, float64, error) {
	l := m.limiter(key)
	ok := l.Allow()
	return ok, l.Tokens(), nil
}

func (m *Memory) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.refill), m.capacity)
		m.limiters[key] = l
	}
	return l
}
