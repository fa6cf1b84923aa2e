package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-relay/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GORELAY_HOME", home)
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GORELAY_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis when config.yaml is missing")
	}
	if cfg.MaxConcurrentTasks != 5 {
		t.Fatalf("expected default max_concurrent_tasks=5, got %d", cfg.MaxConcurrentTasks)
	}
	if cfg.Queue.Backend != "sqlite" {
		t.Fatalf("expected sqlite queue backend, got %q", cfg.Queue.Backend)
	}
	if cfg.StorePath() != filepath.Join(home, "relay.db") {
		t.Fatalf("unexpected store path %q", cfg.StorePath())
	}
	if cfg.CommandsPath() != filepath.Join(home, "commands.yaml") {
		t.Fatalf("unexpected commands path %q", cfg.CommandsPath())
	}
}

func TestLoad_ProvidersNormalized(t *testing.T) {
	writeConfig(t, `
providers:
  github:
    secret: s3cret
  ops-alerts:
    kind: Sentry
    freshness_window_seconds: 60
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	gh := cfg.Providers["github"]
	if gh.Kind != config.KindGitHub {
		t.Fatalf("expected kind to default to provider name, got %q", gh.Kind)
	}
	if gh.MentionPrefix != "@agent" {
		t.Fatalf("expected default mention prefix, got %q", gh.MentionPrefix)
	}
	if gh.FreshnessWindowSeconds != 300 {
		t.Fatalf("expected default freshness 300, got %d", gh.FreshnessWindowSeconds)
	}
	ops := cfg.Providers["ops-alerts"]
	if ops.Kind != config.KindSentry || ops.FreshnessWindowSeconds != 60 {
		t.Fatalf("unexpected ops-alerts config: %+v", ops)
	}
	if got := cfg.ProviderNames(); strings.Join(got, ",") != "github,ops-alerts" {
		t.Fatalf("unexpected provider order %v", got)
	}
}

func TestLoad_UnknownProviderKindFails(t *testing.T) {
	writeConfig(t, "providers:\n  gitlab:\n    secret: x\n")
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestLoad_HTTPReplyRequiresURL(t *testing.T) {
	writeConfig(t, "providers:\n  github:\n    reply:\n      kind: http\n")
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected error for http reply without url")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	writeConfig(t, "max_concurrent_tasks: 2\nproviders:\n  github-main:\n    kind: github\n    secret: from-file\n")
	t.Setenv("GORELAY_MAX_CONCURRENT_TASKS", "7")
	t.Setenv("GORELAY_TASK_TIMEOUT_SECONDS", "2")
	t.Setenv("GORELAY_QUEUE_BACKEND", "memory")
	t.Setenv("GORELAY_STORE_DSN", "/tmp/other.db")
	t.Setenv("GORELAY_EXECUTOR_BINARY", "/usr/local/bin/fake")
	t.Setenv("GORELAY_GITHUB_MAIN_SECRET", "from-env")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxConcurrentTasks != 7 {
		t.Fatalf("expected env max_concurrent_tasks=7, got %d", cfg.MaxConcurrentTasks)
	}
	if cfg.TaskTimeout().Seconds() != 2 {
		t.Fatalf("expected timeout 2s, got %v", cfg.TaskTimeout())
	}
	if cfg.Queue.Backend != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.Queue.Backend)
	}
	if cfg.StorePath() != "/tmp/other.db" {
		t.Fatalf("expected store dsn override, got %q", cfg.StorePath())
	}
	if cfg.Executor.Binary != "/usr/local/bin/fake" {
		t.Fatalf("expected executor override, got %q", cfg.Executor.Binary)
	}
	if cfg.Providers["github-main"].Secret != "from-env" {
		t.Fatalf("expected provider secret from env, got %q", cfg.Providers["github-main"].Secret)
	}
}

func TestLoad_BadQueueBackend(t *testing.T) {
	writeConfig(t, "queue:\n  backend: redis\n")
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}

func TestFingerprint_ChangesWithProviders(t *testing.T) {
	writeConfig(t, "providers:\n  github:\n    default_command: analyze\n")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatalf("fingerprint must be stable")
	}
	b := a
	b.Providers = map[string]config.ProviderConfig{"github": {Kind: "github", DefaultCommand: "review"}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected fingerprint to change with provider default command")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}

func TestWriteGenesis_DoesNotOverwrite(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := config.WriteGenesis(home); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	raw, _ := os.ReadFile(config.ConfigPath(home))
	if string(raw) != "log_level: debug\n" {
		t.Fatalf("config.yaml was overwritten: %q", raw)
	}
	if _, err := os.Stat(filepath.Join(home, "commands.yaml")); err != nil {
		t.Fatalf("expected commands.yaml: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "profiles", "default")); err != nil {
		t.Fatalf("expected default profile dir: %v", err)
	}

	t.Setenv("GORELAY_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load after genesis: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from existing file")
	}
}
