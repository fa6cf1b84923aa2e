package bus

// Kind names a hub event. The values double as the WebSocket "type" field.
type Kind string

const (
	KindTaskCreated      Kind = "task.created"
	KindTaskOutput       Kind = "task.output"
	KindTaskMetrics      Kind = "task.metrics"
	KindTaskStatus       Kind = "task.status"
	KindTaskWaitingInput Kind = "task.waiting_input"
	KindTaskCompleted    Kind = "task.completed"
	KindTaskFailed       Kind = "task.failed"
	KindTaskCancelled    Kind = "task.cancelled"
)

// Event is one hub message. Fields irrelevant to a kind stay zero and are
// omitted on the wire.
type Event struct {
	Type            Kind    `json:"type"`
	SessionID       string  `json:"session_id"`
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status,omitempty"`
	ExecutorProfile string  `json:"executor_profile,omitempty"`
	Chunk           string  `json:"chunk,omitempty"`
	Result          string  `json:"result,omitempty"`
	Error           string  `json:"error,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
	InputTokens     int64   `json:"input_tokens,omitempty"`
	OutputTokens    int64   `json:"output_tokens,omitempty"`
	EventID         int64   `json:"event_id,omitempty"`
}
