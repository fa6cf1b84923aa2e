package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/audit"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/commands"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/executor"
	"github.com/basket/go-relay/internal/flow"
	"github.com/basket/go-relay/internal/gateway"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/queue"
	"github.com/basket/go-relay/internal/webhook"
)

const (
	testToken     = "test-token"
	githubSecret  = "gh-secret"
	testSessionID = "b1b1b1b1-2222-3333-4444-555555555555"
)

type runFunc func(ctx context.Context, req executor.Request) executor.Result

type fakeRunner struct {
	fn runFunc
}

func (r fakeRunner) Run(ctx context.Context, req executor.Request) executor.Result {
	if r.fn == nil {
		return executor.Result{Success: true, Result: "done: " + req.Prompt, Cost: 0.5}
	}
	return r.fn(ctx, req)
}

type fixture struct {
	store    *persistence.Store
	pool     *engine.Pool
	registry *commands.Registry
	server   *httptest.Server
}

type fixtureOptions struct {
	start     bool
	runner    engine.Runner
	rateLimit config.RateLimitConfig
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "gorelay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	auditLog, err := audit.Open(home, store.DB())
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	providers := map[string]config.ProviderConfig{
		"github": {Kind: config.KindGitHub, Secret: githubSecret, MentionPrefix: "@agent"},
		"slack":  {Kind: config.KindSlack},
	}
	reg, err := webhook.NewRegistry(providers)
	if err != nil {
		t.Fatalf("provider registry: %v", err)
	}
	static := commands.StaticSet{Version: "v1", Providers: map[string][]commands.Command{
		"github": {{Name: "analyze", Aliases: []string{"a"}, PromptTemplate: "Analyze {{external_id}}: {{args}}", Source: commands.SourceStatic}},
	}}
	cmds := commands.NewRegistry(static, store, map[string]commands.ProviderSettings{
		"github": {MentionPrefix: "@agent"},
	}, nil)

	runner := opts.runner
	if runner == nil {
		runner = fakeRunner{}
	}
	q := queue.NewMemory()
	hub := bus.New()
	pool := engine.New(store, q, runner, engine.Config{
		MaxConcurrent: 2,
		PopTimeout:    20 * time.Millisecond,
		TaskTimeout:   5 * time.Second,
		Bus:           hub,
	}, engine.Options{Tracker: flow.NewTracker(store, nil)})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	if opts.start {
		pool.Start(context.Background())
	}

	ingress := webhook.NewIngress(webhook.IngressConfig{
		Providers: reg,
		Resolver:  cmds,
		Posted:    store,
		Submitter: pool,
		Audit:     auditLog,
	})
	srv := gateway.New(gateway.Config{
		Store:             store,
		Pool:              pool,
		Queue:             q,
		Ingress:           ingress,
		Commands:          cmds,
		AuthToken:         testToken,
		ConfigFingerprint: "abc123",
		RateLimit:         opts.rateLimit,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{store: store, pool: pool, registry: cmds, server: ts}
}

func (fx *fixture) do(t *testing.T, method, path, body string, header http.Header) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, fx.server.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// api sends an authenticated control request.
func (fx *fixture) api(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		h.Set("Content-Type", "application/json")
	}
	return fx.do(t, method, path, body, h)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func waitForStatus(t *testing.T, store *persistence.Store, taskID string, want persistence.TaskStatus) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task %s did not reach %s (last %+v)", taskID, want, task)
	return nil
}

func githubComment(text string) []byte {
	return []byte(`{"action":"created","repository":{"full_name":"acme/api"},` +
		`"issue":{"number":7,"title":"Crash","html_url":"https://gh/acme/api/issues/7","comments_url":"https://api/c"},` +
		`"comment":{"id":1,"body":"` + text + `","user":{"login":"dev","type":"User"}},` +
		`"sender":{"login":"dev","type":"User"}}`)
}

func githubHeaders(body []byte, secret string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-GitHub-Event", "issue_comment")
	h.Set("X-Hub-Signature-256", "sha256="+webhook.Sign(secret, body))
	return h
}

func TestWebhook_AcceptedCreatesTask(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	body := githubComment("@agent analyze the crash")

	resp := fx.do(t, http.MethodPost, "/webhooks/github", string(body), githubHeaders(body, githubSecret))
	expectStatus(t, resp, http.StatusOK)
	res := decode[webhook.Result](t, resp)
	if res.Status != webhook.StatusAccepted || res.TaskID == "" {
		t.Fatalf("result = %+v", res)
	}
	task, err := fx.store.GetTask(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.InputMessage != "Analyze acme/api#7: the crash" || task.Source != persistence.SourceWebhook {
		t.Fatalf("task = %+v", task)
	}
}

func TestWebhook_ErrorMapping(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	good := githubComment("@agent analyze x")

	tests := []struct {
		name   string
		path   string
		body   string
		header http.Header
		want   int
	}{
		{"bad signature", "/webhooks/github", string(good), githubHeaders(good, "wrong"), http.StatusUnauthorized},
		{"missing signature", "/webhooks/github", string(good), http.Header{"X-Github-Event": {"issue_comment"}}, http.StatusUnauthorized},
		{"malformed body", "/webhooks/github", "{not json", githubHeaders([]byte("{not json"), githubSecret), http.StatusBadRequest},
		{"unknown provider", "/webhooks/gitlab", "{}", nil, http.StatusNotFound},
		{"wrong method", "/webhooks/github", "", nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			method := http.MethodPost
			if tc.want == http.StatusMethodNotAllowed {
				method = http.MethodGet
			}
			resp := fx.do(t, method, tc.path, tc.body, tc.header)
			expectStatus(t, resp, tc.want)
			if tc.want == http.StatusUnauthorized {
				raw, _ := io.ReadAll(resp.Body)
				if strings.Contains(string(raw), "secret") || strings.Contains(string(raw), "hmac") {
					t.Fatalf("error body leaks detail: %s", raw)
				}
			}
		})
	}
	if _, total, _ := fx.store.ListTasks(context.Background(), persistence.TaskFilter{}); total != 0 {
		t.Fatalf("tasks created = %d, want 0", total)
	}
}

func TestWebhook_ZeroActionIsReceived(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	body := githubComment("thanks, looks good")
	resp := fx.do(t, http.MethodPost, "/webhooks/github", string(body), githubHeaders(body, githubSecret))
	expectStatus(t, resp, http.StatusOK)
	res := decode[webhook.Result](t, resp)
	if res.Status != webhook.StatusReceived || res.TaskID != "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestWebhook_SlackChallengeEcho(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	resp := fx.do(t, http.MethodPost, "/webhooks/slack", `{"type":"url_verification","challenge":"c-42"}`, nil)
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != "c-42" {
		t.Fatalf("challenge body = %q", raw)
	}
}

func TestWebhook_RateLimited(t *testing.T) {
	fx := newFixture(t, fixtureOptions{rateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 2}})
	body := githubComment("no command here")
	for i := 0; i < 2; i++ {
		expectStatus(t, fx.do(t, http.MethodPost, "/webhooks/github", string(body), githubHeaders(body, githubSecret)), http.StatusOK)
	}
	resp := fx.do(t, http.MethodPost, "/webhooks/github", string(body), githubHeaders(body, githubSecret))
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
	// Control endpoints are not throttled.
	expectStatus(t, fx.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	body := githubComment("@agent analyze x")
	expectStatus(t, fx.do(t, http.MethodPost, "/webhooks/github", string(body), githubHeaders(body, "wrong")), http.StatusUnauthorized)

	resp := fx.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	payload := decode[map[string]any](t, resp)
	if payload["healthy"] != true || payload["config_hash"] != "abc123" {
		t.Fatalf("healthz = %v", payload)
	}
	pool, ok := payload["pool"].(map[string]any)
	if !ok || pool["max_concurrent"] != float64(2) {
		t.Fatalf("pool status = %v", payload["pool"])
	}
	hooks, ok := payload["webhooks"].(map[string]any)
	if !ok || hooks["auth_failures"] != float64(1) {
		t.Fatalf("webhooks = %v", payload["webhooks"])
	}
	if providers, _ := hooks["providers"].([]any); len(providers) != 2 || providers[0] != "github" {
		t.Fatalf("providers = %v", hooks["providers"])
	}
}

func TestMetrics(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	expectStatus(t, fx.do(t, http.MethodGet, "/metrics", "", nil), http.StatusUnauthorized)

	expectStatus(t, fx.api(t, http.MethodPost, "/api/chat", `{"message":"hello"}`), http.StatusAccepted)
	resp := fx.api(t, http.MethodGet, "/metrics", "")
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`gorelay_tasks{status="QUEUED"} 1`,
		"gorelay_max_concurrent_tasks 2",
		"gorelay_queue_depth 1",
	} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("metrics missing %q:\n%s", want, raw)
		}
	}
}
