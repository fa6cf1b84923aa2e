package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local FIFO. Ack is a no-op; ids are lost on restart
// and recovered from the store's QUEUED rows.
type Memory struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

func (m *Memory) Push(_ context.Context, taskID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.items = append(m.items, taskID)
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", false, ErrClosed
		}
		if len(m.items) > 0 {
			id := m.items[0]
			m.items[0] = ""
			m.items = m.items[1:]
			more := len(m.items) > 0
			m.mu.Unlock()
			if more {
				// Wake the next waiter.
				m.signal()
			}
			return id, true, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-timer.C:
			return "", false, nil
		case <-m.notify:
		}
	}
}

func (m *Memory) Ack(context.Context, string) error { return nil }

func (m *Memory) Has(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.items {
		if id == taskID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
	return nil
}
