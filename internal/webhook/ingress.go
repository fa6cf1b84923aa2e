package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-relay/internal/audit"
	"github.com/basket/go-relay/internal/commands"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/shared"
)

type Status string

const (
	StatusRejected Status = "rejected"
	StatusReceived Status = "received"
	StatusAccepted Status = "accepted"
)

// Reasons for a zero-action or rejected outcome.
const (
	ReasonHandshake        = "url_verification"
	ReasonEventTypeIgnored = "event_type_ignored"
	ReasonBotAuthor        = "bot_author"
	ReasonSelfPosted       = "self_posted"
	ReasonNoMatch          = "no_match"
	ReasonEmptyPrompt      = "empty_prompt"
	ReasonSaturated        = "queue_saturated"
	ReasonDuplicate        = "duplicate_delivery"
)

const defaultDedupeSize = 4096

type Result struct {
	Status    Status `json:"status"`
	TaskID    string `json:"task_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Challenge string `json:"challenge,omitempty"`
}

type Resolver interface {
	Resolve(ctx context.Context, provider, text, eventType string) (*commands.Match, error)
}

type PostedLedger interface {
	IsPostedMessage(ctx context.Context, provider, messageID string) (bool, error)
}

type Submitter interface {
	Submit(ctx context.Context, sub engine.Submission) (*persistence.Task, error)
}

type IngressConfig struct {
	Providers      *Registry
	Resolver       Resolver
	Posted         PostedLedger
	Submitter      Submitter
	Audit          *audit.Log
	Metrics        *otel.Metrics
	Tracer         trace.Tracer
	DefaultProfile string
	// DedupeSize bounds the remembered delivery ids. 0 uses a default.
	DedupeSize int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Ingress turns authenticated provider requests into queued tasks.
type Ingress struct {
	cfg        IngressConfig
	deliveries *lru.Cache[string, struct{}]
}

func NewIngress(cfg IngressConfig) *Ingress {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = "default"
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultDedupeSize
	}
	deliveries, _ := lru.New[string, struct{}](cfg.DedupeSize)
	return &Ingress{cfg: cfg, deliveries: deliveries}
}

// WebhookSessionID is the session webhook tasks for a provider are filed
// under when the provider config does not name one.
func WebhookSessionID(provider string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("gorelay:webhook:"+provider)).String()
}

// Handle runs the ingress pipeline. Only authentication and validation
// failures (and unknown providers) come back as errors; every other
// outcome is a Result.
func (in *Ingress) Handle(ctx context.Context, name string, header http.Header, body []byte) (res Result, err error) {
	ctx = shared.WithProvider(ctx, name)
	ctx, span := otel.StartServerSpan(ctx, in.cfg.Tracer, "webhook.handle", otel.AttrProvider.String(name))
	logger := in.cfg.Logger.With(shared.LogAttrs(ctx)...)
	defer func() {
		outcome := string(res.Status)
		if err != nil {
			outcome = "error"
		}
		span.SetAttributes(otel.AttrOutcome.String(outcome))
		otel.EndSpan(span, err)
		in.cfg.Metrics.WebhookRequest(ctx, name, outcome)
	}()

	p, ok := in.cfg.Providers.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	if err := p.Verify(header, body, in.cfg.Now()); err != nil {
		logger.Warn("webhook rejected", "reason", err.Error())
		in.record(ctx, name, audit.DecisionDenied, err.Error(), "")
		return Result{}, err
	}

	ev, err := p.Parse(header, body)
	if err != nil {
		logger.Warn("webhook payload invalid", "error", err)
		in.record(ctx, name, audit.DecisionRejected, "invalid_payload", "")
		return Result{}, err
	}

	if ev.Challenge != "" {
		return Result{Status: StatusReceived, Reason: ReasonHandshake, Challenge: ev.Challenge}, nil
	}
	if ev.DeliveryID != "" {
		key := name + ":" + ev.DeliveryID
		if seen, _ := in.deliveries.ContainsOrAdd(key, struct{}{}); seen {
			return in.received(ctx, name, ReasonDuplicate), nil
		}
		// A rejected delivery may be retried by the provider.
		defer func() {
			if err != nil || res.Status == StatusRejected {
				in.deliveries.Remove(key)
			}
		}()
	}
	if !p.AllowsEventType(ev.EventType) {
		return in.received(ctx, name, ReasonEventTypeIgnored), nil
	}
	if p.IsBotAuthor(ev) {
		return in.received(ctx, name, ReasonBotAuthor), nil
	}
	if shared.HasReplyMarker(ev.Text) {
		return in.received(ctx, name, ReasonSelfPosted), nil
	}
	if ev.CommentID != "" && in.cfg.Posted != nil {
		posted, err := in.cfg.Posted.IsPostedMessage(ctx, name, ev.CommentID)
		if err != nil {
			logger.Warn("posted ledger lookup failed", "error", err)
		} else if posted {
			return in.received(ctx, name, ReasonSelfPosted), nil
		}
	}

	match, err := in.cfg.Resolver.Resolve(ctx, name, ev.Text, ev.EventType)
	if err != nil {
		logger.Error("command resolution failed", "error", err)
		return in.received(ctx, name, "resolve_failed"), nil
	}
	if match == nil {
		return in.received(ctx, name, ReasonNoMatch), nil
	}

	prompt := RenderPrompt(match.Command.PromptTemplate, RenderInput{Event: ev, Command: match.Command.Name, Args: match.Args})
	if prompt == "" {
		return in.received(ctx, name, ReasonEmptyPrompt), nil
	}

	profile := match.Command.TargetProfile
	if profile == "" {
		profile = in.cfg.DefaultProfile
	}
	sessionID := p.Config.SessionID
	if sessionID == "" {
		sessionID = WebhookSessionID(name)
	}

	task, err := in.cfg.Submitter.Submit(ctx, engine.Submission{
		SessionID:        sessionID,
		UserID:           "webhook:" + name,
		Input:            prompt,
		Profile:          profile,
		Source:           persistence.SourceWebhook,
		Metadata:         ev.Metadata(match.Command.Name),
		Provider:         name,
		ExternalID:       ev.ExternalID,
		NewConversation:  match.NewConversation,
		RequiresApproval: match.Command.RequiresApproval,
		Priority:         match.Command.Priority,
	})
	if err != nil {
		if errors.Is(err, engine.ErrQueueSaturated) {
			in.record(ctx, name, audit.DecisionRejected, ReasonSaturated, "")
			return Result{Status: StatusRejected, Reason: ReasonSaturated}, nil
		}
		logger.Error("task creation failed", "error", err)
		in.record(ctx, name, audit.DecisionRejected, "submit_failed", "")
		return Result{Status: StatusRejected, Reason: "unavailable"}, nil
	}

	logger.Info("webhook accepted", "task_id", task.ID, "command", match.Command.Name, "flow_id", task.FlowID)
	in.record(ctx, name, audit.DecisionAccepted, "command "+match.Command.Name, task.ID)
	return Result{Status: StatusAccepted, TaskID: task.ID}, nil
}

// Providers lists the configured provider names.
func (in *Ingress) Providers() []string {
	return in.cfg.Providers.Names()
}

// AuthFailures is the number of requests rejected for a bad signature
// since startup.
func (in *Ingress) AuthFailures() int64 {
	return in.cfg.Audit.Denied()
}

func (in *Ingress) received(ctx context.Context, provider, reason string) Result {
	in.cfg.Logger.Debug("webhook received without action", "provider", provider, "reason", reason)
	in.record(ctx, provider, audit.DecisionReceived, reason, "")
	return Result{Status: StatusReceived, Reason: reason}
}

func (in *Ingress) record(ctx context.Context, provider, decision, reason, taskID string) {
	in.cfg.Audit.Record(ctx, audit.Entry{Provider: provider, Decision: decision, Reason: reason, TaskID: taskID})
}
