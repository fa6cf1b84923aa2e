// Package executor supervises the external executor CLI: it spawns one
// process per run, streams its output, enforces the timeout, and always
// reaps the child before returning.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-relay/internal/shared"
)

var (
	ErrSpawn     = errors.New("executor spawn failed")
	ErrTimeout   = errors.New("executor timed out")
	ErrCancelled = errors.New("executor cancelled")
	ErrExit      = errors.New("executor exited with error")
	ErrReported  = errors.New("executor reported an error")
)

type Config struct {
	Binary      string
	Args        []string
	ResumeFlag  string
	ProfilesDir string
	// GracePeriod is how long a stopped process gets between SIGTERM and
	// SIGKILL, and how long output may trail the process exit.
	GracePeriod  time.Duration
	MaxLineBytes int
	Env          []string
}

type Request struct {
	Prompt  string
	Profile string
	// WorkDir overrides the profile directory.
	WorkDir         string
	Timeout         time.Duration
	ResumeSessionID string
	// Sink receives each chunk of human-readable output as it arrives.
	Sink func(chunk string)
}

type Result struct {
	Success        bool
	RawOutput      string
	Result         string
	Cost           float64
	InputTokens    int64
	OutputTokens   int64
	SessionID      string
	ExitCode       int
	Err            error
	ProtocolErrors int
	Duration       time.Duration
}

// ErrorMessage is the human-readable failure text, empty on success.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 1 << 20
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

func (s *Supervisor) workDir(req Request) (string, error) {
	if req.WorkDir != "" {
		return req.WorkDir, nil
	}
	profile := req.Profile
	if profile == "" || profile != filepath.Base(profile) || profile == "." || profile == ".." {
		return "", fmt.Errorf("invalid profile %q", profile)
	}
	dir := filepath.Join(s.cfg.ProfilesDir, profile)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("profile %q: %w", profile, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("profile %q is not a directory", profile)
	}
	return dir, nil
}

func (s *Supervisor) args(req Request) []string {
	args := append([]string(nil), s.cfg.Args...)
	if req.ResumeSessionID != "" && s.cfg.ResumeFlag != "" {
		args = append(args, s.cfg.ResumeFlag, req.ResumeSessionID)
	}
	return args
}

// streamState is owned by the reader goroutine until it finishes.
type streamState struct {
	out            strings.Builder
	result         *resultEvent
	sessionID      string
	protocolErrors int
}

// Run executes one request. It never returns while the child is still
// running: every path, including timeout and cancellation, waits for the
// process to be reaped.
func (s *Supervisor) Run(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	res.ExitCode = -1
	defer func() { res.Duration = time.Since(start) }()
	logger := s.logger.With(shared.LogAttrs(ctx)...)

	dir, err := s.workDir(req)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrSpawn, err)
		return res
	}

	cmd := exec.Command(s.cfg.Binary, s.args(req)...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env, "GORELAY_PROFILE="+req.Profile, "GORELAY_TASK_ID="+shared.TaskID(ctx))
	cmd.Stdin = strings.NewReader(req.Prompt)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	cmd.WaitDelay = s.cfg.GracePeriod
	setProcessGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		res.Err = fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
		return res
	}
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		res.Err = fmt.Errorf("%w: %v", ErrSpawn, err)
		return res
	}
	_ = pw.Close()
	logger.Debug("executor started", "pid", cmd.Process.Pid, "dir", dir, "resume", req.ResumeSessionID != "")

	var st streamState
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.consume(pr, req.Sink, &st, logger)
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var waitErr, stopErr error
	select {
	case waitErr = <-waitCh:
	case <-timeout:
		stopErr = fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
		waitErr = s.stop(cmd, waitCh, logger)
	case <-ctx.Done():
		stopErr = fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
		waitErr = s.stop(cmd, waitCh, logger)
	}

	// The leader is reaped. Anything still holding stdout is a straggler in
	// its process group.
	select {
	case <-readDone:
	case <-time.After(s.cfg.GracePeriod):
		_ = kill(cmd)
		_ = pr.Close()
		<-readDone
	}
	_ = pr.Close()

	res.RawOutput = st.out.String()
	res.ProtocolErrors = st.protocolErrors
	res.SessionID = st.sessionID
	if st.result != nil {
		res.Cost = st.result.Cost
		res.InputTokens = st.result.InputTokens
		res.OutputTokens = st.result.OutputTokens
		res.Result = st.result.Text
	}
	if strings.TrimSpace(res.Result) == "" {
		res.Result = strings.TrimSpace(res.RawOutput)
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case stopErr != nil:
		res.Err = stopErr
	case errors.As(waitErr, &exitErr):
		detail := fmt.Sprintf("exit status %d", exitErr.ExitCode())
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			detail += ": " + shared.Redact(tail)
		}
		res.Err = fmt.Errorf("%w: %s", ErrExit, detail)
	case waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay):
		res.Err = fmt.Errorf("%w: %v", ErrExit, waitErr)
	case st.result != nil && st.result.IsError:
		res.Err = fmt.Errorf("%w: %s", ErrReported, strings.TrimSpace(st.result.Text))
	default:
		res.Success = true
	}
	logger.Info("executor finished",
		"success", res.Success,
		"exit_code", res.ExitCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"protocol_errors", res.ProtocolErrors,
	)
	return res
}

// stop signals the process group, escalates to SIGKILL after the grace
// period, and waits for the exit either way.
func (s *Supervisor) stop(cmd *exec.Cmd, waitCh <-chan error, logger *slog.Logger) error {
	if err := terminate(cmd); err != nil {
		logger.Warn("terminate executor failed", "error", err)
	}
	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case err := <-waitCh:
		return err
	case <-grace.C:
	}
	logger.Warn("executor ignored SIGTERM, killing", "pid", cmd.Process.Pid)
	if err := kill(cmd); err != nil {
		logger.Warn("kill executor failed", "error", err)
	}
	return <-waitCh
}

func (s *Supervisor) consume(r *os.File, sink func(string), st *streamState, logger *slog.Logger) {
	emit := func(chunk string) {
		if chunk == "" {
			return
		}
		st.out.WriteString(chunk)
		if sink != nil {
			sink(chunk)
		}
	}
	err := readLines(r, s.cfg.MaxLineBytes, func(line []byte, truncated bool) {
		if truncated {
			st.protocolErrors++
			logger.Warn("executor line exceeded limit", "limit", s.cfg.MaxLineBytes)
			emit(string(line) + "\n")
			return
		}
		p := parseLine(line)
		if p.sessionID != "" {
			st.sessionID = p.sessionID
		}
		switch p.kind {
		case lineContent:
			emit(p.text)
		case lineResult:
			ev := p.result
			st.result = &ev
		case lineRaw:
			st.protocolErrors++
			logger.Debug("unparsed executor line forwarded as text", "excerpt", excerpt(p.text, 120))
			emit(p.text + "\n")
		}
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("executor stdout read failed", "error", err)
	}
}

func excerpt(s string, n int) string {
	s = shared.Redact(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
