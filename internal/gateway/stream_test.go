package gateway_test

import (
	"bufio"
	"net/http"
	"strings"
	"testing"

	"github.com/basket/go-relay/internal/persistence"
)

func TestTaskStream_FinishedTaskSendsFinalEvent(t *testing.T) {
	fx := newFixture(t, fixtureOptions{start: true})
	resp := fx.api(t, http.MethodPost, "/api/chat", `{"message":"quick"}`)
	expectStatus(t, resp, http.StatusAccepted)
	task := decode[persistence.Task](t, resp)
	waitForStatus(t, fx.store, task.ID, persistence.TaskStatusCompleted)

	resp = fx.api(t, http.MethodGet, "/api/tasks/"+task.ID+"/stream", "")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	body := strings.Join(lines, "\n")
	if !strings.Contains(body, "event: task.completed") || !strings.Contains(body, `"result":"done: quick"`) {
		t.Fatalf("stream = %s", body)
	}
}

func TestTaskStream_UnknownTask(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	expectStatus(t, fx.api(t, http.MethodGet, "/api/tasks/missing/stream", ""), http.StatusNotFound)
}
