package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/basket/go-relay/internal/persistence"
)

// DynamicStore is the runtime-editable command source.
type DynamicStore interface {
	ListCommands(ctx context.Context, provider string) ([]persistence.CommandRecord, error)
	UpsertCommand(ctx context.Context, rec persistence.CommandRecord) error
	DeleteCommand(ctx context.Context, provider, name string) (bool, error)
}

// ProviderSettings are the per-provider resolution knobs.
type ProviderSettings struct {
	MentionPrefix  string
	DefaultCommand string
}

// Match is a resolved command plus the event text that follows it.
type Match struct {
	Command         Command
	Args            string
	Mentioned       bool
	NewConversation bool
}

type Registry struct {
	mu       sync.RWMutex
	static   StaticSet
	settings map[string]ProviderSettings
	dynamic  DynamicStore
	logger   *slog.Logger
}

func NewRegistry(static StaticSet, dynamic DynamicStore, settings map[string]ProviderSettings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if settings == nil {
		settings = map[string]ProviderSettings{}
	}
	return &Registry{static: static, dynamic: dynamic, settings: settings, logger: logger}
}

// SetStatic swaps in a new static source, e.g. after the file changed.
// The new set is rejected if it would collide with existing dynamic entries.
func (r *Registry) SetStatic(ctx context.Context, set StaticSet) error {
	for provider, cmds := range set.Providers {
		dyn, err := r.dynamicCommands(ctx, provider)
		if err != nil {
			return err
		}
		if err := Validate(Merge(cmds, dyn)); err != nil {
			return fmt.Errorf("provider %q: %w", provider, err)
		}
	}
	r.mu.Lock()
	r.static = set
	r.mu.Unlock()
	r.logger.Info("static commands loaded", "version", set.Version, "providers", len(set.Providers))
	return nil
}

func (r *Registry) StaticVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.static.Version
}

func (r *Registry) staticCommands(provider string) []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.static.Providers[provider]...)
}

func (r *Registry) dynamicCommands(ctx context.Context, provider string) ([]Command, error) {
	if r.dynamic == nil {
		return nil, nil
	}
	recs, err := r.dynamic.ListCommands(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("load dynamic commands: %w", err)
	}
	out := make([]Command, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

func fromRecord(rec persistence.CommandRecord) Command {
	return Command{
		Name:             rec.Name,
		Aliases:          rec.Aliases,
		EventTypes:       rec.EventTypes,
		TargetProfile:    rec.TargetProfile,
		PromptTemplate:   rec.PromptTemplate,
		RequiresApproval: rec.RequiresApproval,
		Priority:         rec.Priority,
		Source:           SourceDynamic,
	}
}

// Merged returns the provider's effective command set. It is recomputed on
// every call so dynamic edits apply to the next event.
func (r *Registry) Merged(ctx context.Context, provider string) ([]Command, error) {
	dyn, err := r.dynamicCommands(ctx, provider)
	if err != nil {
		return nil, err
	}
	return Merge(r.staticCommands(provider), dyn), nil
}

// PutDynamic validates the merged set with cmd included, then stores cmd.
func (r *Registry) PutDynamic(ctx context.Context, provider string, cmd Command) error {
	if r.dynamic == nil {
		return fmt.Errorf("dynamic commands are not configured")
	}
	dyn, err := r.dynamicCommands(ctx, provider)
	if err != nil {
		return err
	}
	cmd.Source = SourceDynamic
	kept := dyn[:0]
	for _, c := range dyn {
		if c.key() != cmd.key() {
			kept = append(kept, c)
		}
	}
	if err := Validate(Merge(r.staticCommands(provider), append(kept, cmd))); err != nil {
		return err
	}
	return r.dynamic.UpsertCommand(ctx, persistence.CommandRecord{
		Provider:         provider,
		Name:             cmd.key(),
		Aliases:          cmd.Aliases,
		EventTypes:       cmd.EventTypes,
		TargetProfile:    cmd.TargetProfile,
		PromptTemplate:   cmd.PromptTemplate,
		RequiresApproval: cmd.RequiresApproval,
		Priority:         cmd.Priority,
	})
}

// DeleteDynamic removes a dynamic override; a shadowed static command
// becomes visible again.
func (r *Registry) DeleteDynamic(ctx context.Context, provider, name string) (bool, error) {
	if r.dynamic == nil {
		return false, fmt.Errorf("dynamic commands are not configured")
	}
	return r.dynamic.DeleteCommand(ctx, provider, name)
}

// Resolve maps event text to a command. A nil match with a nil error means
// the event triggers nothing.
func (r *Registry) Resolve(ctx context.Context, provider, eventText, eventType string) (*Match, error) {
	merged, err := r.Merged(ctx, provider)
	if err != nil {
		return nil, err
	}
	settings := r.settings[provider]
	if settings.MentionPrefix == "" {
		settings.MentionPrefix = "@agent"
	}

	byToken := make(map[string]Command, len(merged))
	for _, c := range merged {
		byToken[c.key()] = c
	}
	for _, c := range merged {
		for _, a := range c.Aliases {
			alias := strings.ToLower(strings.TrimSpace(a))
			if _, taken := byToken[alias]; !taken && alias != "" {
				byToken[alias] = c
			}
		}
	}

	fallback := func(args string) *Match {
		if settings.DefaultCommand == "" {
			return nil
		}
		cmd, ok := byToken[strings.ToLower(settings.DefaultCommand)]
		if !ok || !cmd.acceptsEvent(eventType) {
			return nil
		}
		return &Match{Command: cmd, Args: args}
	}

	text := strings.TrimSpace(eventText)
	if text == "" {
		return fallback(""), nil
	}

	rest, found := afterPrefix(text, settings.MentionPrefix)
	if !found {
		return fallback(text), nil
	}
	token, args := splitToken(rest)
	if token == "" {
		return nil, nil
	}
	cmd, ok := byToken[strings.ToLower(token)]
	if !ok || !cmd.acceptsEvent(eventType) {
		return nil, nil
	}
	m := &Match{Command: cmd, Mentioned: true}
	m.Args, m.NewConversation = stripNewFlag(args)
	return m, nil
}

// afterPrefix finds prefix as a standalone word (case-insensitive) and
// returns the text after it. Matching and slicing both work on text, at
// rune boundaries.
func afterPrefix(text, prefix string) (string, bool) {
	if prefix == "" {
		return "", false
	}
	prev := ' '
	for start, r := range text {
		end := start + len(prefix)
		if end <= len(text) && unicode.IsSpace(prev) && strings.EqualFold(text[start:end], prefix) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if end == len(text) || unicode.IsSpace(next) || next == ':' || next == ',' {
				rest := strings.TrimLeft(text[end:], ":,")
				return strings.TrimSpace(rest), true
			}
		}
		prev = r
	}
	return "", false
}

func splitToken(s string) (string, string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx:])
}

func stripNewFlag(args string) (string, bool) {
	token, rest := splitToken(args)
	switch strings.ToLower(token) {
	case "--new", "#new":
		return rest, true
	}
	return args, false
}

// ReloadStatic re-reads the static file and swaps it in if it validates.
// On error the previous set stays active.
func (r *Registry) ReloadStatic(ctx context.Context, path string) error {
	set, err := LoadStatic(path)
	if err != nil {
		return err
	}
	return r.SetStatic(ctx, set)
}
