package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-relay/internal/shared"
)

type TaskStatus string

const (
	TaskStatusQueued       TaskStatus = "QUEUED"
	TaskStatusRunning      TaskStatus = "RUNNING"
	TaskStatusWaitingInput TaskStatus = "WAITING_INPUT"
	TaskStatusCompleted    TaskStatus = "COMPLETED"
	TaskStatusFailed       TaskStatus = "FAILED"
	TaskStatusCancelled    TaskStatus = "CANCELLED"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusWaitingInput: {},
		TaskStatusCompleted:    {},
		TaskStatusFailed:       {},
		TaskStatusCancelled:    {},
	},
	TaskStatusWaitingInput: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to TaskStatus) bool {
	return canTransition(from, to)
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusWaitingInput,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// EventType is the task_events / hub event name for entering s.
func (s TaskStatus) EventType() string {
	return "task." + strings.ToLower(string(s))
}

type Source string

const (
	SourceChat    Source = "chat"
	SourceWebhook Source = "webhook"
	SourceAPI     Source = "api"
)

// Routing holds the provider-side coordinates a reply should be posted to.
// Credentials are never stored here; dispatchers read them from config.
type Routing struct {
	Channel  string `json:"channel,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

// SourceMetadata is stored as one JSON column and decoded once on read.
type SourceMetadata struct {
	Provider     string  `json:"provider,omitempty"`
	ProviderKind string  `json:"provider_kind,omitempty"`
	Command      string  `json:"command,omitempty"`
	EventType    string  `json:"event_type,omitempty"`
	ExternalID   string  `json:"external_id,omitempty"`
	Author       string  `json:"author,omitempty"`
	CommentID    string  `json:"comment_id,omitempty"`
	Title        string  `json:"title,omitempty"`
	URL          string  `json:"url,omitempty"`
	Excerpt      string  `json:"excerpt,omitempty"`
	Routing      Routing `json:"routing"`
}

func (m SourceMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *SourceMetadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = SourceMetadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan source metadata: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = SourceMetadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

type Task struct {
	ID                string         `json:"task_id"`
	SessionID         string         `json:"session_id"`
	FlowID            string         `json:"flow_id,omitempty"`
	ConversationID    string         `json:"conversation_id,omitempty"`
	Status            TaskStatus     `json:"status"`
	ExecutorProfile   string         `json:"executor_profile"`
	InputMessage      string         `json:"input_message"`
	Output            string         `json:"output"`
	Result            string         `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	Cost              float64        `json:"cost"`
	InputTokens       int64          `json:"input_tokens"`
	OutputTokens      int64          `json:"output_tokens"`
	Source            Source         `json:"source"`
	Metadata          SourceMetadata `json:"source_metadata"`
	ParentTaskID      string         `json:"parent_task_id,omitempty"`
	RequiresApproval  bool           `json:"requires_approval"`
	Priority          int            `json:"priority"`
	PendingInput      string         `json:"pending_input,omitempty"`
	InputRounds       int            `json:"input_rounds"`
	ExecutorSessionID string         `json:"executor_session_id,omitempty"`
	EnqueueAttempts   int            `json:"enqueue_attempts"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	DurationMS        *int64         `json:"duration_ms,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// AwaitingApproval is true when a successful run should pause for input
// instead of completing.
func (t Task) AwaitingApproval() bool {
	return t.RequiresApproval && t.InputRounds == 0
}

type NewTask struct {
	SessionID        string
	FlowID           string
	ConversationID   string
	ExecutorProfile  string
	InputMessage     string
	Source           Source
	Metadata         SourceMetadata
	ParentTaskID     string
	RequiresApproval bool
	Priority         int
}

// TaskUpdate carries the fields a transition may change besides status.
// Counter deltas below zero are ignored so totals never decrease.
type TaskUpdate struct {
	Result            *string
	Error             *string
	AddCost           float64
	AddInputTokens    int64
	AddOutputTokens   int64
	ExecutorSessionID string
	ConsumeInput      bool
	Reason            string
}

const taskColumns = `
	id, session_id, COALESCE(flow_id, ''), COALESCE(conversation_id, ''), status,
	executor_profile, input_message, output, COALESCE(result, ''), COALESCE(error, ''),
	cost, input_tokens, output_tokens, source, source_metadata, COALESCE(parent_task_id, ''),
	requires_approval, priority, COALESCE(pending_input, ''), input_rounds, executor_session_id,
	enqueue_attempts, created_at, started_at, completed_at, duration_ms, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		requiresApproval int
		startedAt        sql.NullTime
		completedAt      sql.NullTime
		durationMS       sql.NullInt64
	)
	if err := scanFn(
		&task.ID,
		&task.SessionID,
		&task.FlowID,
		&task.ConversationID,
		&task.Status,
		&task.ExecutorProfile,
		&task.InputMessage,
		&task.Output,
		&task.Result,
		&task.Error,
		&task.Cost,
		&task.InputTokens,
		&task.OutputTokens,
		&task.Source,
		&task.Metadata,
		&task.ParentTaskID,
		&requiresApproval,
		&task.Priority,
		&task.PendingInput,
		&task.InputRounds,
		&task.ExecutorSessionID,
		&task.EnqueueAttempts,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&durationMS,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.RequiresApproval = requiresApproval != 0
	task.StartedAt, task.CompletedAt, task.DurationMS = nil, nil, nil
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if durationMS.Valid {
		d := durationMS.Int64
		task.DurationMS = &d
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if strings.TrimSpace(in.InputMessage) == "" {
		return nil, errors.New("input message is required")
	}
	if in.ExecutorProfile == "" {
		return nil, errors.New("executor profile is required")
	}
	if in.Source == "" {
		in.Source = SourceAPI
	}
	id := uuid.NewString()
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, session_id, flow_id, conversation_id, status, executor_profile, input_message,
				source, source_metadata, parent_task_id, requires_approval, priority, created_at, updated_at
			) VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?);
		`, id, in.SessionID, in.FlowID, in.ConversationID, TaskStatusQueued, in.ExecutorProfile, in.InputMessage,
			in.Source, in.Metadata, in.ParentTaskID, boolToInt(in.RequiresApproval), in.Priority, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_tasks (session_id, task_id) VALUES (?, ?)
			ON CONFLICT(session_id, task_id) DO NOTHING;
		`, in.SessionID, id); err != nil {
			return fmt.Errorf("track active task: %w", err)
		}
		payload := fmt.Sprintf(`{"executor_profile":%q,"source":%q}`, in.ExecutorProfile, in.Source)
		return s.appendTaskEventTx(ctx, tx, id, in.SessionID, "", TaskStatusQueued, "task.created", payload)
	})
	if err != nil {
		return nil, classify(err)
	}
	return s.GetTask(ctx, id)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(fmt.Errorf("get task: %w", err))
	}
	return &task, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	var task Task
	err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TransitionTask moves a task to status to, applying upd in the same
// transaction. Edges outside the allowed graph return a *TransitionError.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to TaskStatus, upd TaskUpdate) (*Task, error) {
	var out *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := s.transitionTaskTx(ctx, tx, taskID, to, upd)
		if err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, to TaskStatus, upd TaskUpdate) (*Task, error) {
	current, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if !canTransition(current.Status, to) {
		return nil, &TransitionError{TaskID: taskID, From: current.Status, To: to}
	}

	now := time.Now().UTC()
	startedAt := sql.NullTime{}
	if current.StartedAt != nil {
		startedAt = sql.NullTime{Time: *current.StartedAt, Valid: true}
	}
	if to == TaskStatusRunning && !startedAt.Valid {
		startedAt = sql.NullTime{Time: now, Valid: true}
	}
	completedAt := sql.NullTime{}
	duration := sql.NullInt64{}
	if to.Terminal() {
		completedAt = sql.NullTime{Time: now, Valid: true}
		if startedAt.Valid {
			duration = sql.NullInt64{Int64: now.Sub(startedAt.Time).Milliseconds(), Valid: true}
		}
	}

	addCost := max(upd.AddCost, 0)
	addIn := max(upd.AddInputTokens, 0)
	addOut := max(upd.AddOutputTokens, 0)
	consumed := 0
	if upd.ConsumeInput {
		consumed = 1
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			cost = cost + ?,
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			executor_session_id = CASE WHEN ? <> '' THEN ? ELSE executor_session_id END,
			pending_input = CASE WHEN ? = 1 THEN NULL ELSE pending_input END,
			input_rounds = input_rounds + ?,
			started_at = ?,
			completed_at = ?,
			duration_ms = ?,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, to,
		upd.Result != nil, deref(upd.Result),
		upd.Error != nil, deref(upd.Error),
		addCost, addIn, addOut,
		upd.ExecutorSessionID, upd.ExecutorSessionID,
		consumed, consumed,
		startedAt, completedAt, duration, now,
		taskID, current.Status)
	if err != nil {
		return nil, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return nil, &TransitionError{TaskID: taskID, From: current.Status, To: to}
	}

	if addCost > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET total_cost = total_cost + ?, updated_at = ? WHERE id = ?;
		`, addCost, now, current.SessionID); err != nil {
			return nil, fmt.Errorf("add session cost: %w", err)
		}
	}
	if to.Terminal() {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM session_tasks WHERE session_id = ? AND task_id = ?;
		`, current.SessionID, taskID); err != nil {
			return nil, fmt.Errorf("untrack active task: %w", err)
		}
	}

	payload, err := json.Marshal(map[string]any{
		"reason": upd.Reason,
		"cost":   addCost,
		"error":  deref(upd.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transition payload: %w", err)
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current.SessionID, current.Status, to, to.EventType(), string(payload)); err != nil {
		return nil, err
	}
	return getTaskTx(ctx, tx, taskID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// AppendOutput appends a chunk to the task's accumulated output.
func (s *Store) AppendOutput(ctx context.Context, taskID, chunk string) error {
	if chunk == "" {
		return nil
	}
	return classify(retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET output = output || ?, updated_at = ? WHERE id = ?;
		`, chunk, time.Now().UTC(), taskID)
		if err != nil {
			return fmt.Errorf("append output: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	}))
}

// SetPendingInput stores a follow-up message for a WAITING_INPUT task.
func (s *Store) SetPendingInput(ctx context.Context, taskID, message string) error {
	if strings.TrimSpace(message) == "" {
		return errors.New("input message is required")
	}
	return classify(s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if current.Status != TaskStatusWaitingInput {
			return &TransitionError{TaskID: taskID, From: current.Status, To: TaskStatusRunning}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET pending_input = ?, updated_at = ? WHERE id = ?;
		`, message, time.Now().UTC(), taskID); err != nil {
			return fmt.Errorf("set pending input: %w", err)
		}
		payload, _ := json.Marshal(map[string]any{"length": len(message)})
		return s.appendTaskEventTx(ctx, tx, taskID, current.SessionID, current.Status, current.Status, "task.input", string(payload))
	}))
}

type TaskFilter struct {
	SessionID      string
	ConversationID string
	Status         TaskStatus
	Limit          int
	Offset         int
	SortBy         string
	Descending     bool
}

var sortColumns = map[string]string{
	"":             "created_at",
	"created_at":   "created_at",
	"cost":         "cost",
	"completed_at": "completed_at",
	"duration":     "duration_ms",
	"priority":     "priority",
}

// ListTasks returns a page of tasks and the total matching count.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	col, ok := sortColumns[f.SortBy]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported sort %q", f.SortBy)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("unsupported status %q", f.Status)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var where []string
	var args []any
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, classify(fmt.Errorf("count tasks: %w", err))
	}

	order := "ASC"
	if f.Descending {
		order = "DESC"
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + clause +
		fmt.Sprintf(` ORDER BY %s %s, id ASC LIMIT ? OFFSET ?;`, col, order)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, classify(fmt.Errorf("list tasks: %w", err))
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("task rows: %w", err)
	}
	return out, total, nil
}

// TaskIDsByStatus returns ids in creation order.
func (s *Store) TaskIDsByStatus(ctx context.Context, status TaskStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC;
	`, status)
	if err != nil {
		return nil, classify(fmt.Errorf("list task ids: %w", err))
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResumableTaskIDs returns WAITING_INPUT tasks that already hold input.
func (s *Store) ResumableTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ? AND pending_input IS NOT NULL ORDER BY updated_at ASC;
	`, TaskStatusWaitingInput)
	if err != nil {
		return nil, classify(fmt.Errorf("list resumable tasks: %w", err))
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecoverInterrupted fails tasks a previous process left RUNNING.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]string, error) {
	ids, err := s.TaskIDsByStatus(ctx, TaskStatusRunning)
	if err != nil {
		return nil, err
	}
	msg := "interrupted by restart"
	var recovered []string
	for _, id := range ids {
		if _, err := s.TransitionTask(ctx, id, TaskStatusFailed, TaskUpdate{Error: &msg, Reason: "recovery"}); err != nil {
			if errors.Is(err, ErrIllegalTransition) {
				continue
			}
			return recovered, fmt.Errorf("recover task %s: %w", id, err)
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// StaleQueuedTasks returns QUEUED tasks created before cutoff whose next
// enqueue attempt is due.
func (s *Store) StaleQueuedTasks(ctx context.Context, cutoff, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND created_at < ? AND (next_enqueue_at IS NULL OR next_enqueue_at <= ?)
		ORDER BY created_at ASC LIMIT ?;`, TaskStatusQueued, cutoff.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list stale queued tasks: %w", err))
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// RecordEnqueueFailure bumps the attempt counter and schedules the next try.
func (s *Store) RecordEnqueueFailure(ctx context.Context, taskID string, next time.Time) (int, error) {
	var attempts int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET enqueue_attempts = enqueue_attempts + 1, next_enqueue_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, next.UTC(), time.Now().UTC(), taskID, TaskStatusQueued); err != nil {
			return fmt.Errorf("record enqueue failure: %w", err)
		}
		return tx.QueryRowContext(ctx, `SELECT enqueue_attempts FROM tasks WHERE id = ?;`, taskID).Scan(&attempts)
	})
	return attempts, classify(err)
}

// ResetEnqueueAttempts clears the reconciler backoff after a successful push.
func (s *Store) ResetEnqueueAttempts(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET enqueue_attempts = 0, next_enqueue_at = NULL WHERE id = ? AND enqueue_attempts > 0;
	`, taskID)
	return classify(err)
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, classify(fmt.Errorf("count tasks: %w", err))
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type TaskEvent struct {
	EventID   int64           `json:"event_id"`
	TaskID    string          `json:"task_id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	TraceID   string          `json:"trace_id,omitempty"`
	StateFrom TaskStatus      `json:"state_from,omitempty"`
	StateTo   TaskStatus      `json:"state_to"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, sessionID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, session_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, sessionID, shared.TraceID(ctx), eventType, string(from), string(to), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// ListTaskEventsFrom returns a session's events after fromEventID.
func (s *Store) ListTaskEventsFrom(ctx context.Context, sessionID string, fromEventID int64, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, session_id, event_type, trace_id, state_from, state_to, payload_json, created_at
		FROM task_events
		WHERE session_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, sessionID, fromEventID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list task events: %w", err))
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event     TaskEvent
			stateFrom sql.NullString
			payload   string
		)
		if err := rows.Scan(
			&event.EventID,
			&event.TaskID,
			&event.SessionID,
			&event.EventType,
			&event.TraceID,
			&stateFrom,
			&event.StateTo,
			&payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = TaskStatus(stateFrom.String)
		}
		event.Payload = json.RawMessage(payload)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TaskTransitions returns the (from, to) pairs recorded for a task in order.
func (s *Store) TaskTransitions(ctx context.Context, taskID string) ([][2]TaskStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(state_from, ''), state_to FROM task_events
		WHERE task_id = ? AND state_from IS NOT NULL AND state_from <> state_to
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, classify(fmt.Errorf("list transitions: %w", err))
	}
	defer rows.Close()
	var out [][2]TaskStatus
	for rows.Next() {
		var from, to TaskStatus
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out = append(out, [2]TaskStatus{from, to})
	}
	return out, rows.Err()
}
