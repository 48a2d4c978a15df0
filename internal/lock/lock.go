// Package lock provides the per-repository "backup running" flag.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker hands out exclusive, non-blocking locks keyed by repository.
// release is nil when ok is false.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
	// Held lists the keys currently locked, sorted.
	Held(ctx context.Context) ([]string, error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

func (l *MemoryLocker) Held(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.held))
	for k := range l.held {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
