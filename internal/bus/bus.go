// Package bus is the output hub: per-session, best-effort fan-out of task
// events to live subscribers.
package bus

import (
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Subscription represents an active subscription.
type Subscription struct {
	id        int
	sessionID string
	ch        chan Event
	dropped   atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans out events keyed by session id.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
	buffer  int
}

// New creates a new Bus.
func New() *Bus {
	return NewWithBuffer(defaultBufferSize)
}

func NewWithBuffer(size int) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		subs:   make(map[int]*Subscription),
		buffer: size,
	}
}

// Subscribe returns a subscription for one session. An empty session id
// receives every session's events.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:        b.nextID,
		sessionID: sessionID,
		ch:        make(chan Event, b.buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers ev to the session's subscribers without blocking. A
// subscriber whose buffer is full misses the event.
func (b *Bus) Publish(sessionID string, ev Event) {
	if b == nil {
		return
	}
	ev.SessionID = sessionID

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
