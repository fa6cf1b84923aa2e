package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatus_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"healthy":true`) {
		t.Fatalf("body not printed:\n%s", out)
	}
}

func TestStatus_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	out, err := runCLI(t, "status")
	if err == nil {
		t.Fatal("expected error for unhealthy relay")
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("output should end with newline: %q", out)
	}
}

func TestStatus_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	if _, err := runCLI(t, "status"); err == nil {
		t.Fatal("expected error for connection refused")
	}
}

func TestStatus_AddrFlagOverridesConfig(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"healthy":true}`))
	}))
	defer ts.Close()

	setTestConfig(t, "127.0.0.1:1")

	if _, err := runCLI(t, "status", "--addr", ts.URL); err != nil {
		t.Fatalf("status with --addr: %v", err)
	}
}
