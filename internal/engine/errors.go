package engine

import "errors"

var (
	// ErrQueueSaturated is returned when the pending queue is at MaxQueueDepth.
	ErrQueueSaturated = errors.New("queue saturated: backpressure applied")
	ErrShuttingDown   = errors.New("pool shutting down")
	ErrEmptyInput     = errors.New("input message is required")

	errStopRequested = errors.New("stop requested")
)

// cancelReason is the text recorded on a task cancelled by cause.
func cancelReason(cause error) string {
	switch {
	case errors.Is(cause, errStopRequested):
		return "cancelled: stop requested"
	case errors.Is(cause, ErrShuttingDown):
		return "cancelled: shutdown"
	case cause == nil:
		return "cancelled"
	}
	return "cancelled: " + cause.Error()
}
