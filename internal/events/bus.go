// Package events fans out progress and status events to connected observers.
//
// Each subscriber owns a bounded FIFO queue. Publishing never blocks: when a
// queue is full its oldest event is dropped to make room.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/telemetry"
)

// DefaultQueueSize is the per-subscriber capacity when none is configured.
const DefaultQueueSize = 256

// ErrClosed is returned by Subscription.Next once the subscription is gone.
var ErrClosed = errors.New("subscription closed")

// Bus is safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	capacity int
	log      *zap.SugaredLogger
}

func NewBus(capacity int, log *zap.SugaredLogger) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bus{subs: make(map[string]*Subscription), capacity: capacity, log: log}
}

// Subscription is one observer's queue.
type Subscription struct {
	id       string
	capacity int

	mu     sync.Mutex
	queue  []models.Event
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func (s *Subscription) ID() string { return s.id }

// Subscribe registers id. An existing subscription for id is replaced and closed,
// so an observer that reconnects only ever has one live queue.
func (b *Bus) Subscribe(id string) *Subscription {
	sub := &Subscription{
		id:       id,
		capacity: b.capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	prev := b.subs[id]
	b.subs[id] = sub
	total := len(b.subs)
	b.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	telemetry.Subscribers.Set(float64(total))
	b.log.Infow("Added event subscriber", "user_id", id, "total_connections", total)
	return sub
}

// Unsubscribe removes id and discards anything still queued for it.
func (b *Bus) Unsubscribe(id string) {
	b.remove(id, nil)
}

// remove drops id only if it still maps to sub (or unconditionally when sub is nil).
func (b *Bus) remove(id string, sub *Subscription) {
	b.mu.Lock()
	cur, ok := b.subs[id]
	if !ok || (sub != nil && cur != sub) {
		b.mu.Unlock()
		if sub != nil {
			sub.close()
		}
		return
	}
	delete(b.subs, id)
	total := len(b.subs)
	b.mu.Unlock()

	cur.close()
	telemetry.Subscribers.Set(float64(total))
	b.log.Infow("Removed event subscriber", "user_id", id, "total_connections", total)
}

// Publish delivers an event to the listed targets, or to everyone when targets
// is empty. Unknown targets are ignored. It returns how many queues accepted it.
func (b *Bus) Publish(eventType string, data map[string]any, targets ...string) int {
	if data == nil {
		data = map[string]any{}
	}
	ev := models.Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}

	b.mu.Lock()
	var recipients []*Subscription
	if len(targets) == 0 {
		recipients = make([]*Subscription, 0, len(b.subs))
		for _, s := range b.subs {
			recipients = append(recipients, s)
		}
	} else {
		for _, id := range targets {
			if s, ok := b.subs[id]; ok {
				recipients = append(recipients, s)
			}
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, s := range recipients {
		if s.enqueue(ev) {
			delivered++
		}
	}
	telemetry.EventsPublished.Add(float64(delivered))
	return delivered
}

// Count is the number of registered subscribers.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Connections lists subscriber ids in sorted order.
func (b *Bus) Connections() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *Subscription) enqueue(ev models.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.capacity {
		s.queue[0] = models.Event{}
		s.queue = s.queue[1:]
		telemetry.EventsDropped.Inc()
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// Len reports queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next waits for the next event. ok is false when wait elapsed without one;
// a non-positive wait blocks until an event, closure or ctx cancellation.
func (s *Subscription) Next(ctx context.Context, wait time.Duration) (ev models.Event, ok bool, err error) {
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return models.Event{}, false, ErrClosed
		}
		if len(s.queue) > 0 {
			ev = s.queue[0]
			s.queue[0] = models.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return models.Event{}, false, ctx.Err()
		case <-timeout:
			return models.Event{}, false, nil
		}
	}
}
