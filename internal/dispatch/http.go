package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/shared"
)

// HTTP posts a JSON callback per delivery. When a secret is configured the
// body is signed in X-Gorelay-Signature as "sha256=<hex>".
type HTTP struct {
	cfg    config.ReplyConfig
	client *http.Client
	logger *slog.Logger
}

func NewHTTP(cfg config.ReplyConfig, logger *slog.Logger) *HTTP {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger: logger,
	}
}

func (h *HTTP) body(d Delivery) ([]byte, error) {
	t := d.Task
	text := d.Text()
	if h.cfg.Markdown {
		text += "\n\n" + shared.ReplyMarker
	}
	body := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"task_id", t.ID},
		{"status", string(t.Status)},
		{"outcome", d.Outcome},
		{"text", text},
		{"cost", t.Cost},
		{"tokens.input", t.InputTokens},
		{"tokens.output", t.OutputTokens},
		{"flow_id", t.FlowID},
		{"conversation_id", t.ConversationID},
		{"source.provider", t.Metadata.Provider},
		{"source.external_id", t.Metadata.ExternalID},
		{"source.command", t.Metadata.Command},
		{"source.url", t.Metadata.URL},
		{"routing", t.Metadata.Routing},
	} {
		if body, err = sjson.SetBytes(body, kv.path, kv.value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", kv.path, err)
		}
	}
	return body, nil
}

func (h *HTTP) Dispatch(ctx context.Context, d Delivery) (Receipt, error) {
	body, err := h.body(d)
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gorelay-Task", d.Task.ID)
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	if h.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
		mac.Write(body)
		req.Header.Set("X-Gorelay-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("callback returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var receipt Receipt
	if id := gjson.GetBytes(respBody, "message_id"); id.Exists() && id.String() != "" {
		receipt.MessageIDs = append(receipt.MessageIDs, id.String())
	}
	h.logger.Debug("callback delivered", "task_id", d.Task.ID, "status", resp.StatusCode)
	return receipt, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
