package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/persistence"
)

// fakeRelay serves a canned subset of the control API and checks the
// bearer token on every request.
func fakeRelay(t *testing.T, token string) *httptest.Server {
	t.Helper()
	task := persistence.Task{
		ID:              "11111111-2222-3333-4444-555555555555",
		SessionID:       "a0a0a0a0-1111-2222-3333-444444444444",
		Status:          persistence.TaskStatusCompleted,
		ExecutorProfile: "default",
		InputMessage:    "analyze the crash",
		Result:          "root cause found",
		Cost:            0.5,
		Source:          persistence.SourceChat,
		CreatedAt:       time.Now().Add(-time.Minute),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "COMPLETED" {
			t.Errorf("status filter = %q", r.URL.Query().Get("status"))
		}
		json.NewEncoder(w).Encode(map[string]any{"tasks": []persistence.Task{task}, "total": 1})
	})
	mux.HandleFunc("GET /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != task.ID {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"code":"not_found","message":"task not found"}}`)
			return
		}
		json.NewEncoder(w).Encode(task)
	})
	mux.HandleFunc("POST /api/tasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"task_id": r.PathValue("id"), "stopped": false})
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode chat body: %v", err)
		}
		if body["message"] != "hello relay" || body["requires_approval"] != true {
			t.Errorf("chat body = %v", body)
		}
		queued := task
		queued.Status = persistence.TaskStatusQueued
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(queued)
	})
	mux.HandleFunc("GET /api/tasks/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: task.output\ndata: {\"type\":\"task.output\",\"task_id\":%q,\"chunk\":\"thinking...\"}\n\n", task.ID)
		fmt.Fprintf(w, "event: task.completed\ndata: {\"type\":\"task.completed\",\"task_id\":%q,\"result\":\"root cause found\",\"cost\":0.5}\n\n", task.ID)
	})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"code":"unauthorized","message":"invalid token"}}`)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestTasksList_RendersTable(t *testing.T) {
	ts := fakeRelay(t, "tok")
	setTestConfig(t, ts.Listener.Addr().String(), "auth_token: tok")

	out, err := runCLI(t, "tasks", "list", "--status", "completed")
	if err != nil {
		t.Fatalf("tasks list: %v", err)
	}
	for _, want := range []string{"11111111-2222-3333-4444-555555555555", "COMPLETED", "$0.5", "analyze the crash"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTasksGet_JSONAndNotFound(t *testing.T) {
	ts := fakeRelay(t, "tok")
	setTestConfig(t, ts.Listener.Addr().String(), "auth_token: tok")

	out, err := runCLI(t, "tasks", "get", "11111111-2222-3333-4444-555555555555", "--json")
	if err != nil {
		t.Fatalf("tasks get: %v", err)
	}
	var task persistence.Task
	if err := json.Unmarshal([]byte(out), &task); err != nil {
		t.Fatalf("output is not a task: %v\n%s", err, out)
	}
	if task.Result != "root cause found" {
		t.Fatalf("result = %q", task.Result)
	}

	_, err = runCLI(t, "tasks", "get", "nope")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found api error, got %v", err)
	}
}

func TestTasksCancel_AlreadyFinished(t *testing.T) {
	ts := fakeRelay(t, "tok")
	setTestConfig(t, ts.Listener.Addr().String(), "auth_token: tok")

	out, err := runCLI(t, "tasks", "cancel", "t-9")
	if err != nil {
		t.Fatalf("tasks cancel: %v", err)
	}
	if !strings.Contains(out, "t-9 already finished") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestClient_WrongTokenIsUnauthorized(t *testing.T) {
	ts := fakeRelay(t, "tok")
	setTestConfig(t, ts.Listener.Addr().String(), "auth_token: tok")

	_, err := runCLI(t, "tasks", "list", "--token", "other")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestChat_FollowStreamsUntilCompleted(t *testing.T) {
	ts := fakeRelay(t, "tok")
	setTestConfig(t, ts.Listener.Addr().String(), "auth_token: tok")

	out, err := runCLI(t, "chat", "--approval", "--follow", "hello", "relay")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(out, "thinking...") || !strings.Contains(out, "completed (cost $0.5)") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	// Chunks were streamed, so the result is not repeated.
	if strings.Contains(out, "root cause found") {
		t.Fatalf("result printed twice:\n%s", out)
	}
}

func TestReportFinal(t *testing.T) {
	var sb strings.Builder
	if err := reportFinal(&sb, busEvent("task.failed", "boom"), true); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("failed event error = %v", err)
	}
	if err := reportFinal(&sb, busEvent("task.waiting_input", ""), true); err != nil {
		t.Fatalf("waiting_input should not fail: %v", err)
	}
	if err := reportFinal(&sb, busEvent("", ""), true); err == nil {
		t.Fatal("truncated stream should fail")
	}
}

func busEvent(kind, errText string) bus.Event {
	return bus.Event{Type: bus.Kind(kind), TaskID: "t-1", Error: errText}
}
