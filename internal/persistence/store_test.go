package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-relay/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newSession(t *testing.T, store *persistence.Store) string {
	t.Helper()
	id := uuid.NewString()
	if err := store.EnsureSession(context.Background(), id, "user-1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	return id
}

func createTask(t *testing.T, store *persistence.Store, sessionID string) *persistence.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), persistence.NewTask{
		SessionID:       sessionID,
		ExecutorProfile: "default",
		InputMessage:    "do the thing",
		Source:          persistence.SourceChat,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "sessions", "tasks", "task_events", "conversations", "commands", "posted_messages", "session_tasks", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_ReopenKeepsLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	first, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = first.Close()

	second, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	var n int
	if err := second.DB().QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one ledger row, got %d", n)
	}
}

func TestStore_CreateTaskStartsQueued(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sid := newSession(t, store)

	task := createTask(t, store, sid)
	if task.Status != persistence.TaskStatusQueued {
		t.Fatalf("expected QUEUED, got %s", task.Status)
	}
	if task.StartedAt != nil || task.CompletedAt != nil {
		t.Fatalf("expected no timestamps on a queued task")
	}

	sess, err := store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(sess.ActiveTaskIDs) != 1 || sess.ActiveTaskIDs[0] != task.ID {
		t.Fatalf("expected task in active set, got %v", sess.ActiveTaskIDs)
	}

	events, err := store.ListTaskEventsFrom(ctx, sid, 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "task.created" {
		t.Fatalf("expected task.created event, got %+v", events)
	}
}

func TestStore_CreateTaskRejectsEmptyInput(t *testing.T) {
	store := openTestStore(t)
	sid := newSession(t, store)
	_, err := store.CreateTask(context.Background(), persistence.NewTask{SessionID: sid, ExecutorProfile: "default", InputMessage: "  "})
	if err == nil {
		t.Fatalf("expected error for empty input message")
	}
}

func TestStore_MetadataRoundTripsAsStruct(t *testing.T) {
	store := openTestStore(t)
	sid := newSession(t, store)
	in := persistence.SourceMetadata{
		Provider:   "github",
		Command:    "analyze",
		ExternalID: "acme/app#7",
		Routing:    persistence.Routing{Channel: "acme/app", ThreadID: "7"},
	}
	task, err := store.CreateTask(context.Background(), persistence.NewTask{
		SessionID: sid, ExecutorProfile: "default", InputMessage: "x",
		Source: persistence.SourceWebhook, Metadata: in,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Metadata != in {
		t.Fatalf("metadata mismatch: %+v", task.Metadata)
	}
}

func TestStore_TransitionTimestampsAndDuration(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTask(t, store, newSession(t, store))

	running, err := store.TransitionTask(ctx, task.ID, persistence.TaskStatusRunning, persistence.TaskUpdate{})
	if err != nil {
		t.Fatalf("to running: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatalf("expected started_at on RUNNING")
	}
	time.Sleep(5 * time.Millisecond)

	result := "done"
	done, err := store.TransitionTask(ctx, task.ID, persistence.TaskStatusCompleted, persistence.TaskUpdate{Result: &result})
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if done.CompletedAt == nil || done.DurationMS == nil {
		t.Fatalf("expected completed_at and duration, got %+v", done)
	}
	if *done.DurationMS < 0 {
		t.Fatalf("negative duration %d", *done.DurationMS)
	}
	if !done.StartedAt.Equal(*running.StartedAt) {
		t.Fatalf("started_at changed: %v vs %v", done.StartedAt, running.StartedAt)
	}
	if done.Result != "done" {
		t.Fatalf("expected result persisted, got %q", done.Result)
	}
}

func TestStore_IllegalTransitionIsDomainError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTask(t, store, newSession(t, store))

	_, err := store.TransitionTask(ctx, task.ID, persistence.TaskStatusCompleted, persistence.TaskUpdate{})
	if !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	var te *persistence.TransitionError
	if !errors.As(err, &te) || te.From != persistence.TaskStatusQueued || te.To != persistence.TaskStatusCompleted {
		t.Fatalf("expected typed transition error, got %#v", err)
	}

	if _, err := store.TransitionTask(ctx, task.ID, persistence.TaskStatusCancelled, persistence.TaskUpdate{}); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if _, err := store.TransitionTask(ctx, task.ID, persistence.TaskStatusRunning, persistence.TaskUpdate{}); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("expected terminal state to reject RUNNING, got %v", err)
	}

	if _, err := store.TransitionTask(ctx, "missing", persistence.TaskStatusRunning, persistence.TaskUpdate{}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_CountersNeverDecrease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sid := newSession(t, store)
	task := createTask(t, store, sid)

	if _, err := store.TransitionTask(ctx, task.ID, persistence.TaskStatusRunning, persistence.TaskUpdate{}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := store.TransitionTask(ctx, task.ID, persistence.TaskStatusWaitingInput, persistence.TaskUpdate{
		AddCost: 0.02, AddInputTokens: 10, AddOutputTokens: 5, ExecutorSessionID: "exec-1",
	}); err != nil {
		t.Fatalf("to waiting: %v", err)
	}
	if err := store.SetPendingInput(ctx, task.ID, "approved"); err != nil {
		t.Fatalf("set input: %v", err)
	}
	if _, err := store.TransitionTask(ctx, task.ID, persistence.TaskStatusRunning, persistence.TaskUpdate{ConsumeInput: true}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	final, err := store.TransitionTask(ctx, task.ID, persistence.TaskStatusCompleted, persistence.TaskUpdate{
		AddCost: -5, AddInputTokens: -1, AddOutputTokens: 3,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if final.Cost != 0.02 || final.InputTokens != 10 || final.OutputTokens != 8 {
		t.Fatalf("unexpected counters cost=%v in=%d out=%d", final.Cost, final.InputTokens, final.OutputTokens)
	}
	if final.PendingInput != "" || final.InputRounds != 1 {
		t.Fatalf("expected consumed input, got pending=%q rounds=%d", final.PendingInput, final.InputRounds)
	}
	if final.ExecutorSessionID != "exec-1" {
		t.Fatalf("expected executor session id kept, got %q", final.ExecutorSessionID)
	}

	sess, err := store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.TotalCost != 0.02 {
		t.Fatalf("expected session total 0.02, got %v", sess.TotalCost)
	}
	if len(sess.ActiveTaskIDs) != 0 {
		t.Fatalf("expected terminal task removed from active set, got %v", sess.ActiveTaskIDs)
	}

	transitions, err := store.TaskTransitions(ctx, task.ID)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	for _, edge := range transitions {
		if !persistence.CanTransition(edge[0], edge[1]) {
			t.Fatalf("recorded illegal edge %s -> %s", edge[0], edge[1])
		}
	}
	if len(transitions) != 4 {
		t.Fatalf("expected 4 recorded transitions, got %v", transitions)
	}
}

func TestStore_SetPendingInputRequiresWaiting(t *testing.T) {
	store := openTestStore(t)
	task := createTask(t, store, newSession(t, store))
	err := store.SetPendingInput(context.Background(), task.ID, "hello")
	if !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition for QUEUED task, got %v", err)
	}
}

func TestStore_AppendOutputAccumulates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTask(t, store, newSession(t, store))
	for _, chunk := range []string{"partial ", "result"} {
		if err := store.AppendOutput(ctx, task.ID, chunk); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Output != "partial result" {
		t.Fatalf("expected accumulated output, got %q", got.Output)
	}
	if err := store.AppendOutput(ctx, "missing", "x"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListTasksFiltersAndSorts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := newSession(t, store)
	b := newSession(t, store)
	t1 := createTask(t, store, a)
	createTask(t, store, a)
	createTask(t, store, b)

	if _, err := store.TransitionTask(ctx, t1.ID, persistence.TaskStatusRunning, persistence.TaskUpdate{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := store.TransitionTask(ctx, t1.ID, persistence.TaskStatusCompleted, persistence.TaskUpdate{AddCost: 1.5}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	tasks, total, err := store.ListTasks(ctx, persistence.TaskFilter{SessionID: a, Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(tasks) != 1 {
		t.Fatalf("expected page of 1 from 2, got %d/%d", len(tasks), total)
	}

	tasks, _, err = store.ListTasks(ctx, persistence.TaskFilter{SortBy: "cost", Descending: true})
	if err != nil {
		t.Fatalf("list by cost: %v", err)
	}
	if tasks[0].ID != t1.ID {
		t.Fatalf("expected most expensive task first")
	}

	tasks, total, err = store.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskStatusQueued})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 queued, got %d (%v)", total, tasks)
	}

	if _, _, err := store.ListTasks(ctx, persistence.TaskFilter{SortBy: "id; DROP TABLE tasks"}); err == nil {
		t.Fatalf("expected unsupported sort error")
	}
	if _, _, err := store.ListTasks(ctx, persistence.TaskFilter{Status: "BOGUS"}); err == nil {
		t.Fatalf("expected unsupported status error")
	}
}

func TestStore_RecoverInterruptedFailsRunning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sid := newSession(t, store)
	running := createTask(t, store, sid)
	queued := createTask(t, store, sid)
	if _, err := store.TransitionTask(ctx, running.ID, persistence.TaskStatusRunning, persistence.TaskUpdate{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	recovered, err := store.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != running.ID {
		t.Fatalf("expected running task recovered, got %v", recovered)
	}
	got, _ := store.GetTask(ctx, running.ID)
	if got.Status != persistence.TaskStatusFailed || got.Error != "interrupted by restart" {
		t.Fatalf("unexpected recovered task: %s %q", got.Status, got.Error)
	}
	ids, err := store.TaskIDsByStatus(ctx, persistence.TaskStatusQueued)
	if err != nil {
		t.Fatalf("queued ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != queued.ID {
		t.Fatalf("expected queued task untouched, got %v", ids)
	}
}

func TestStore_EnqueueBackoffBookkeeping(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTask(t, store, newSession(t, store))
	now := time.Now().UTC()

	stale, err := store.StaleQueuedTasks(ctx, now.Add(time.Second), now, 10)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale task, got %d", len(stale))
	}

	attempts, err := store.RecordEnqueueFailure(ctx, task.ID, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	stale, _ = store.StaleQueuedTasks(ctx, now.Add(time.Second), now, 10)
	if len(stale) != 0 {
		t.Fatalf("expected task hidden until next attempt, got %d", len(stale))
	}
	if err := store.ResetEnqueueAttempts(ctx, task.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.EnqueueAttempts != 0 {
		t.Fatalf("expected attempts reset, got %d", got.EnqueueAttempts)
	}
}

func TestStore_ConversationsOneActivePerFlow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.OpenConversation(ctx, "flow-abc")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	active, err := store.ActiveConversation(ctx, "flow-abc")
	if err != nil || active.ID != first.ID {
		t.Fatalf("expected first conversation active, got %v %v", active, err)
	}

	second, err := store.OpenConversation(ctx, "flow-abc")
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	active, err = store.ActiveConversation(ctx, "flow-abc")
	if err != nil || active.ID != second.ID {
		t.Fatalf("expected second conversation active, got %v %v", active, err)
	}
	old, _ := store.GetConversation(ctx, first.ID)
	if old.Active {
		t.Fatalf("expected first conversation retired")
	}

	if err := store.AddConversationTask(ctx, second.ID, 0.5); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if err := store.AddConversationTask(ctx, second.ID, 0.25); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	got, _ := store.GetConversation(ctx, second.ID)
	if got.AggregatedTaskCount != 2 || got.AggregatedCost != 0.75 {
		t.Fatalf("unexpected aggregates %+v", got)
	}

	if _, err := store.ActiveConversation(ctx, "flow-none"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_CommandsCRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := persistence.CommandRecord{
		Provider: "github", Name: "Analyze", Aliases: []string{"inv"},
		TargetProfile: "analyst", PromptTemplate: "{{args}}", RequiresApproval: true,
	}
	if err := store.UpsertCommand(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec.TargetProfile = "senior"
	if err := store.UpsertCommand(ctx, rec); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	list, err := store.ListCommands(ctx, "github")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "analyze" || list[0].TargetProfile != "senior" || !list[0].RequiresApproval {
		t.Fatalf("unexpected commands %+v", list)
	}
	if len(list[0].Aliases) != 1 || list[0].Aliases[0] != "inv" {
		t.Fatalf("unexpected aliases %v", list[0].Aliases)
	}

	deleted, err := store.DeleteCommand(ctx, "github", "ANALYZE")
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	deleted, err = store.DeleteCommand(ctx, "github", "analyze")
	if err != nil || deleted {
		t.Fatalf("second delete should be a no-op: %v %v", deleted, err)
	}
}

func TestStore_PostedMessageLedger(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.RecordPostedMessage(ctx, "github", "c-1", "task-1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordPostedMessage(ctx, "github", "c-1", "task-1"); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	ok, err := store.IsPostedMessage(ctx, "github", "c-1")
	if err != nil || !ok {
		t.Fatalf("expected posted message, got %v %v", ok, err)
	}
	ok, _ = store.IsPostedMessage(ctx, "jira", "c-1")
	if ok {
		t.Fatalf("ledger must be keyed per provider")
	}
}

func TestStore_RetentionKeepsActiveTaskEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sid := newSession(t, store)
	done := createTask(t, store, sid)
	active := createTask(t, store, sid)
	if _, err := store.TransitionTask(ctx, done.ID, persistence.TaskStatusCancelled, persistence.TaskUpdate{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	old := time.Now().UTC().AddDate(0, 0, -40)
	if _, err := store.DB().Exec(`UPDATE task_events SET created_at = ?`, old); err != nil {
		t.Fatalf("age events: %v", err)
	}

	res, err := store.RunRetention(ctx, 30)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedTaskEvents != 2 {
		t.Fatalf("expected 2 purged events for the cancelled task, got %d", res.PurgedTaskEvents)
	}
	events, _ := store.ListTaskEventsFrom(ctx, sid, 0, 100)
	if len(events) != 1 || events[0].TaskID != active.ID {
		t.Fatalf("expected active task event kept, got %+v", events)
	}
}

func TestStore_PingAfterClose(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = store.Close()
	if err := store.Ping(context.Background()); !errors.Is(err, persistence.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestStore_EnsureSessionRejectsNonUUID(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnsureSession(context.Background(), "not-a-uuid", ""); err == nil {
		t.Fatalf("expected invalid session error")
	}
}
