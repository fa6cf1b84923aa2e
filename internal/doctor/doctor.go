// Package doctor runs offline diagnostics against a relay home directory.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-relay/internal/commands"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkProviders,
		checkDatabase,
		checkPermissions,
		checkExecutor,
		checkCommands,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; serve will write a starter config"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

// checkProviders warns about providers that accept unsigned requests.
func checkProviders(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Providers", Status: StatusSkip, Message: "Config missing"}
	}
	names := cfg.ProviderNames()
	if len(names) == 0 {
		return CheckResult{Name: "Providers", Status: StatusWarn, Message: "No webhook providers configured"}
	}
	var open []string
	for _, name := range names {
		if cfg.Providers[name].Secret == "" {
			open = append(open, name)
		}
	}
	if len(open) > 0 {
		return CheckResult{
			Name:    "Providers",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d providers have no secret; their webhooks are unauthenticated", len(open), len(names)),
			Detail:  strings.Join(open, ", "),
		}
	}
	return CheckResult{Name: "Providers", Status: StatusPass, Message: fmt.Sprintf("%d providers with secrets", len(names)), Detail: strings.Join(names, ", ")}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.StorePath())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: cfg.StorePath()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkExecutor looks for the executor binary and the default profile
// directory.
func checkExecutor(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: StatusSkip, Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.Executor.Binary)
	if err != nil {
		return CheckResult{
			Name:    "Executor",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found", cfg.Executor.Binary),
			Detail:  "Install the executor CLI or set executor.binary in config.yaml",
		}
	}
	profileDir := filepath.Join(cfg.Executor.ProfilesDir, cfg.Executor.DefaultProfile)
	if info, err := os.Stat(profileDir); err != nil || !info.IsDir() {
		return CheckResult{
			Name:    "Executor",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Default profile directory missing: %s", profileDir),
			Detail:  "binary=" + path,
		}
	}
	return CheckResult{Name: "Executor", Status: StatusPass, Message: path, Detail: "profiles=" + cfg.Executor.ProfilesDir}
}

func checkCommands(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Commands", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.CommandsPath()
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "Commands", Status: StatusWarn, Message: "No static command file", Detail: path}
	}
	set, err := commands.LoadStatic(path)
	if err != nil {
		return CheckResult{Name: "Commands", Status: StatusFail, Message: err.Error(), Detail: path}
	}
	count := 0
	for _, cmds := range set.Providers {
		count += len(cmds)
	}
	return CheckResult{
		Name:    "Commands",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d static commands (version %s)", count, set.Version),
		Detail:  path,
	}
}

// checkBindAddr tries to listen on the configured address. A busy port
// usually means a relay is already running.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err),
			Detail:  "Another relay may be running; check with gorelay status",
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
