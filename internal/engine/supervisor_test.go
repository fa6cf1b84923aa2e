//go:build unix

package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/executor"
	"github.com/basket/go-relay/internal/persistence"
)

// newScriptSupervisor returns a supervisor running body as the executor,
// with a "default" profile directory ready.
func newScriptSupervisor(t *testing.T, body string) *executor.Supervisor {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-executor.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	profiles := filepath.Join(dir, "profiles")
	if err := os.MkdirAll(filepath.Join(profiles, "default"), 0o755); err != nil {
		t.Fatalf("mkdir profile: %v", err)
	}
	return executor.New(executor.Config{
		Binary:      script,
		ResumeFlag:  "--resume",
		ProfilesDir: profiles,
		GracePeriod: 300 * time.Millisecond,
	}, nil)
}

func TestPool_ExecutorStreamCompletes(t *testing.T) {
	sup := newScriptSupervisor(t, `
cat > /dev/null
echo '{"type":"content","text":"partial result"}'
echo '{"type":"result","cost":0.02,"input_tokens":10,"output_tokens":5}'
exit 0
`)
	fx := newPool(t, nil, sup, engine.Config{TaskTimeout: 5 * time.Second})
	task := submit(t, fx.pool, engine.Submission{})
	fx.pool.Start(context.Background())

	done := waitForTaskStatus(t, fx.store, task.ID, persistence.TaskStatusCompleted, 5*time.Second)
	if !strings.Contains(done.Output, "partial result") {
		t.Fatalf("output = %q", done.Output)
	}
	if done.Cost != 0.02 || done.InputTokens != 10 || done.OutputTokens != 5 {
		t.Fatalf("usage = cost %v in %d out %d", done.Cost, done.InputTokens, done.OutputTokens)
	}
}

func TestPool_ExecutorTimeoutFailsAndReaps(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	sup := newScriptSupervisor(t, `
echo $$ > `+pidFile+`
echo '{"type":"content","text":"working"}'
sleep 30
`)
	fx := newPool(t, nil, sup, engine.Config{TaskTimeout: time.Second})
	task := submit(t, fx.pool, engine.Submission{})
	fx.pool.Start(context.Background())

	failed := waitForTaskStatus(t, fx.store, task.ID, persistence.TaskStatusFailed, 10*time.Second)
	if !strings.Contains(failed.Error, "timed out") {
		t.Fatalf("error = %q", failed.Error)
	}
	if !strings.Contains(failed.Output, "working") {
		t.Fatalf("partial output lost: %q", failed.Output)
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-pid, 0); errors.Is(err, syscall.ESRCH) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process group %d still alive", pid)
}
