package webhook

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-relay/internal/config"
)

// Provider is one configured webhook endpoint.
type Provider struct {
	Name     string
	Config   config.ProviderConfig
	verifier Verifier
	schema   *jsonschema.Schema
	parse    parseFunc
}

func (p *Provider) Kind() string { return p.Config.Kind }

// Verify authenticates the request. Without a configured secret every
// request passes.
func (p *Provider) Verify(header http.Header, body []byte, now time.Time) error {
	if p.verifier == nil {
		return nil
	}
	if err := p.verifier.Verify(header, body, now); err != nil {
		return &AuthenticationError{Provider: p.Name, Reason: err.Error()}
	}
	return nil
}

// Parse validates the body against the kind's schema and normalises it.
func (p *Provider) Parse(header http.Header, body []byte) (*Event, error) {
	if len(body) == 0 {
		return nil, &ValidationError{Provider: p.Name, Reason: "empty body"}
	}
	if err := validateBody(p.schema, body); err != nil {
		return nil, &ValidationError{Provider: p.Name, Reason: "schema", Err: err}
	}
	ev, err := p.parse(header, body)
	if err != nil {
		return nil, &ValidationError{Provider: p.Name, Reason: "decode", Err: err}
	}
	ev.Provider = p.Name
	ev.Kind = p.Config.Kind
	ev.Raw = body
	return ev, nil
}

// AllowsEventType applies the provider's optional event type allow-list.
func (p *Provider) AllowsEventType(eventType string) bool {
	if len(p.Config.EventTypes) == 0 {
		return true
	}
	for _, t := range p.Config.EventTypes {
		if strings.EqualFold(t, eventType) {
			return true
		}
	}
	return false
}

// IsBotAuthor reports whether the event was written by an automated
// identity, either flagged by the provider or matching bot_identity.
func (p *Provider) IsBotAuthor(ev *Event) bool {
	if ev.AuthorIsBot {
		return true
	}
	id := strings.TrimSpace(p.Config.BotIdentity)
	return id != "" && strings.EqualFold(id, ev.Author)
}

// Registry maps provider names to their implementations. It is built once
// at startup; an unknown kind fails there rather than per request.
type Registry struct {
	providers map[string]*Provider
}

func NewRegistry(providers map[string]config.ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]*Provider, len(providers))}
	for name, pc := range providers {
		parse, ok := parsers[pc.Kind]
		if !ok {
			return nil, fmt.Errorf("provider %q: unknown kind %q", name, pc.Kind)
		}
		schema, err := compileSchema(pc.Kind)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		r.providers[name] = &Provider{
			Name:     name,
			Config:   pc,
			verifier: verifierFor(pc),
			schema:   schema,
			parse:    parse,
		}
	}
	return r, nil
}

func verifierFor(pc config.ProviderConfig) Verifier {
	if pc.Secret == "" {
		return nil
	}
	window := pc.FreshnessWindow()
	if window <= 0 {
		window = 5 * time.Minute
	}
	switch pc.Kind {
	case config.KindGitHub:
		return HMACVerifier{Secret: pc.Secret, Header: "X-Hub-Signature-256", Prefix: "sha256="}
	case config.KindJira:
		return HMACVerifier{Secret: pc.Secret, Header: "X-Hub-Signature", Prefix: "sha256="}
	case config.KindSlack:
		return SlackVerifier{Secret: pc.Secret, Window: window}
	case config.KindSentry:
		return HMACVerifier{Secret: pc.Secret, Header: "Sentry-Hook-Signature", TimestampHeader: "Sentry-Hook-Timestamp", Window: window}
	case config.KindTelegram:
		return TokenVerifier{Secret: pc.Secret, Header: "X-Telegram-Bot-Api-Secret-Token"}
	default:
		return HMACVerifier{Secret: pc.Secret, Header: "X-Webhook-Signature"}
	}
}

func (r *Registry) Get(name string) (*Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
