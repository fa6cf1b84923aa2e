// Package queue holds pending task ids between creation and execution.
// Delivery is at-least-once: consumers must tolerate seeing an id twice.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnavailable = errors.New("queue unavailable")
	ErrClosed      = errors.New("queue closed")
)

type Queue interface {
	// Push appends a task id.
	Push(ctx context.Context, taskID string) error
	// Pop blocks until an id is available, timeout elapses or ctx ends.
	// ok is false on timeout.
	Pop(ctx context.Context, timeout time.Duration) (taskID string, ok bool, err error)
	// Ack confirms a popped id was handled. Unacked ids may be redelivered.
	Ack(ctx context.Context, taskID string) error
	// Has reports whether the id is pending or leased.
	Has(ctx context.Context, taskID string) (bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
