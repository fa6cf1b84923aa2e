package audit_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-relay/internal/audit"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/shared"
)

func readLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, l := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(l), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesFileAndTable(t *testing.T) {
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log, err := audit.Open(home, store.DB())
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	log.Record(ctx, audit.Entry{Provider: "github", Decision: audit.DecisionDenied, Reason: "bad signature sha256=" + strings.Repeat("ab", 32)})
	log.Record(ctx, audit.Entry{Provider: "github", Decision: audit.DecisionAccepted, Reason: "command analyze", TaskID: "t-1"})

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lines))
	}
	if lines[0]["decision"] != "denied" || lines[0]["trace_id"] != "trace-1" {
		t.Fatalf("unexpected first entry: %#v", lines[0])
	}
	if strings.Contains(lines[0]["reason"].(string), strings.Repeat("ab", 32)) {
		t.Fatalf("signature not redacted: %v", lines[0]["reason"])
	}
	if lines[1]["task_id"] != "t-1" {
		t.Fatalf("task id missing: %#v", lines[1])
	}
	if log.Denied() != 1 {
		t.Fatalf("denied = %d", log.Denied())
	}

	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM audit_log WHERE provider = 'github';`).Scan(&n); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if n != 2 {
		t.Fatalf("audit_log rows = %d", n)
	}
}

func TestRecordAppendOnly(t *testing.T) {
	home := t.TempDir()
	log, err := audit.Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	log.Record(context.Background(), audit.Entry{Provider: "jira", Decision: audit.DecisionReceived, Reason: "no_match"})
	info1, err := os.Stat(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	log.Record(context.Background(), audit.Entry{Provider: "jira", Decision: audit.DecisionReceived, Reason: "bot_author"})
	info2, _ := os.Stat(filepath.Join(home, "logs", "audit.jsonl"))
	if info2.Size() <= info1.Size() {
		t.Fatalf("file did not grow: %d -> %d", info1.Size(), info2.Size())
	}
	if lines := readLines(t, home); lines[0]["trace_id"] != "-" {
		t.Fatalf("trace id default = %#v", lines[0]["trace_id"])
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var log *audit.Log
	log.Record(context.Background(), audit.Entry{Decision: audit.DecisionDenied})
	if log.Denied() != 0 || log.Close() != nil {
		t.Fatal("nil log should be inert")
	}
}
