//go:build unix

package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/executor"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-executor.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newSupervisor(t *testing.T, script string, args ...string) *executor.Supervisor {
	t.Helper()
	return executor.New(executor.Config{
		Binary:      script,
		Args:        args,
		ResumeFlag:  "--resume",
		GracePeriod: 300 * time.Millisecond,
	}, nil)
}

type chunkSink struct {
	mu     sync.Mutex
	chunks []string
}

func (s *chunkSink) add(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
}

func (s *chunkSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, err := os.ReadFile(path)
		if err == nil && len(strings.TrimSpace(string(raw))) > 0 {
			pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil {
				t.Fatalf("parse pid: %v", err)
			}
			return pid
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pid file never written")
	return 0
}

// waitGroupGone polls until no process remains in the group led by pid.
func waitGroupGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-pid, 0); errors.Is(err, syscall.ESRCH) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process group %d still alive", pid)
}

func TestRun_ContentThenResult(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"content","text":"partial result"}'
echo '{"type":"result","cost":0.02,"input_tokens":10,"output_tokens":5,"session_id":"sess-9"}'
exit 0
`)
	sink := &chunkSink{}
	res := newSupervisor(t, script).Run(context.Background(), executor.Request{
		Prompt:  "hello",
		WorkDir: t.TempDir(),
		Timeout: 5 * time.Second,
		Sink:    sink.add,
	})
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if !strings.Contains(res.RawOutput, "partial result") || sink.joined() != "partial result" {
		t.Fatalf("output = %q, sink = %q", res.RawOutput, sink.joined())
	}
	if res.Cost != 0.02 || res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Fatalf("metrics = %+v", res)
	}
	if res.SessionID != "sess-9" || res.ExitCode != 0 {
		t.Fatalf("session/exit = %q/%d", res.SessionID, res.ExitCode)
	}
}

func TestRun_ClaudeStreamShape(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"abc"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Looking"},{"type":"tool_use","name":"Read"}]}}'
echo '{"type":"user","message":{"content":[]}}'
echo '{"type":"result","is_error":false,"result":"All good","total_cost_usd":0.5,"usage":{"input_tokens":100,"output_tokens":20}}'
`)
	res := newSupervisor(t, script).Run(context.Background(), executor.Request{WorkDir: t.TempDir(), Timeout: 5 * time.Second})
	if !res.Success || res.ProtocolErrors != 0 {
		t.Fatalf("res = %+v", res)
	}
	if res.RawOutput != "Looking\n" || res.Result != "All good" {
		t.Fatalf("output = %q result = %q", res.RawOutput, res.Result)
	}
	if res.Cost != 0.5 || res.InputTokens != 100 || res.OutputTokens != 20 || res.SessionID != "abc" {
		t.Fatalf("metrics = %+v", res)
	}
}

func TestRun_MalformedLinesAreForwardedNotFatal(t *testing.T) {
	script := writeScript(t, `
echo 'plain progress text'
echo '{"type":"content","text":"ok"'
echo '{"type":"mystery"}'
echo '{"type":"result","cost":0.01}'
`)
	sink := &chunkSink{}
	res := newSupervisor(t, script).Run(context.Background(), executor.Request{WorkDir: t.TempDir(), Timeout: 5 * time.Second, Sink: sink.add})
	if !res.Success {
		t.Fatalf("malformed output must not fail the run: %v", res.Err)
	}
	if res.ProtocolErrors != 3 {
		t.Fatalf("protocol errors = %d", res.ProtocolErrors)
	}
	if !strings.Contains(sink.joined(), "plain progress text\n") {
		t.Fatalf("raw line not forwarded: %q", sink.joined())
	}
}

func TestRun_PromptOnStdinAndResumeArgs(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `
cat > prompt.txt
echo "$@" > args.txt
`)
	res := newSupervisor(t, script, "-p", "--output-format", "stream-json").Run(context.Background(), executor.Request{
		Prompt:          "approve the plan",
		WorkDir:         dir,
		ResumeSessionID: "sess-1",
		Timeout:         5 * time.Second,
	})
	if !res.Success {
		t.Fatalf("run: %v", res.Err)
	}
	prompt, _ := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	if string(prompt) != "approve the plan" {
		t.Fatalf("prompt = %q", prompt)
	}
	args, _ := os.ReadFile(filepath.Join(dir, "args.txt"))
	if strings.TrimSpace(string(args)) != "-p --output-format stream-json --resume sess-1" {
		t.Fatalf("args = %q", args)
	}
}

func TestRun_TimeoutKillsAndReaps(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `
echo $$ > pid.txt
echo '{"type":"content","text":"started"}'
sleep 30 &
wait
`)
	start := time.Now()
	res := newSupervisor(t, script).Run(context.Background(), executor.Request{WorkDir: dir, Timeout: 500 * time.Millisecond})
	if res.Success || !errors.Is(res.Err, executor.ErrTimeout) {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %s", elapsed)
	}
	if !strings.Contains(res.RawOutput, "started") {
		t.Fatalf("partial output lost: %q", res.RawOutput)
	}
	pid := readPID(t, filepath.Join(dir, "pid.txt"))
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Fatalf("executor pid %d still present: %v", pid, err)
	}
	waitGroupGone(t, pid)
}

func TestRun_IgnoredSIGTERMEscalatesToKill(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `
trap '' TERM
echo $$ > pid.txt
while true; do sleep 0.1; done
`)
	res := newSupervisor(t, script).Run(context.Background(), executor.Request{WorkDir: dir, Timeout: 300 * time.Millisecond})
	if !errors.Is(res.Err, executor.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", res.Err)
	}
	waitGroupGone(t, readPID(t, filepath.Join(dir, "pid.txt")))
}

func TestRun_ContextCancellation(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `
echo $$ > pid.txt
sleep 30
`)
	cause := errors.New("stop requested")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(filepath.Join(dir, "pid.txt")); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel(cause)
	}()
	res := newSupervisor(t, script).Run(ctx, executor.Request{WorkDir: dir, Timeout: 10 * time.Second})
	if !errors.Is(res.Err, executor.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", res.Err)
	}
	if !strings.Contains(res.ErrorMessage(), "stop requested") {
		t.Fatalf("cause missing from %q", res.ErrorMessage())
	}
	waitGroupGone(t, readPID(t, filepath.Join(dir, "pid.txt")))
}

func TestRun_NonZeroExitCarriesStderr(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"content","text":"half"}'
echo 'model overloaded' >&2
exit 3
`)
	res := newSupervisor(t, script).Run(context.Background(), executor.Request{WorkDir: t.TempDir(), Timeout: 5 * time.Second})
	if res.Success || !errors.Is(res.Err, executor.ErrExit) {
		t.Fatalf("expected exit error, got %+v", res)
	}
	if res.ExitCode != 3 || !strings.Contains(res.ErrorMessage(), "model overloaded") {
		t.Fatalf("exit = %d, err = %q", res.ExitCode, res.ErrorMessage())
	}
	if res.RawOutput != "half" {
		t.Fatalf("partial output = %q", res.RawOutput)
	}
}

func TestRun_ReportedErrorFails(t *testing.T) {
	script := writeScript(t, `echo '{"type":"result","is_error":true,"result":"quota exceeded"}'`)
	res := newSupervisor(t, script).Run(context.Background(), executor.Request{WorkDir: t.TempDir(), Timeout: 5 * time.Second})
	if !errors.Is(res.Err, executor.ErrReported) || !strings.Contains(res.ErrorMessage(), "quota exceeded") {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestRun_SpawnFailure(t *testing.T) {
	sup := executor.New(executor.Config{Binary: filepath.Join(t.TempDir(), "missing")}, nil)
	res := sup.Run(context.Background(), executor.Request{WorkDir: t.TempDir()})
	if !errors.Is(res.Err, executor.ErrSpawn) {
		t.Fatalf("expected spawn error, got %v", res.Err)
	}
}

func TestRun_ProfileDirectory(t *testing.T) {
	profiles := t.TempDir()
	if err := os.MkdirAll(filepath.Join(profiles, "reviewer"), 0o755); err != nil {
		t.Fatal(err)
	}
	script := writeScript(t, `pwd > "$GORELAY_PROFILE.where"`)
	sup := executor.New(executor.Config{Binary: script, ProfilesDir: profiles}, nil)

	res := sup.Run(context.Background(), executor.Request{Profile: "reviewer", Timeout: 5 * time.Second})
	if !res.Success {
		t.Fatalf("run: %v", res.Err)
	}
	if _, err := os.Stat(filepath.Join(profiles, "reviewer", "reviewer.where")); err != nil {
		t.Fatalf("executor did not run inside the profile dir: %v", err)
	}

	for _, bad := range []string{"", "../etc", "missing"} {
		res := sup.Run(context.Background(), executor.Request{Profile: bad})
		if !errors.Is(res.Err, executor.ErrSpawn) {
			t.Fatalf("profile %q: expected spawn error, got %v", bad, res.Err)
		}
	}
}
