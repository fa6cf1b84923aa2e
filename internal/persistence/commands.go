package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommandRecord is a dynamic command row. Names are stored lowercased.
type CommandRecord struct {
	Provider         string    `json:"provider"`
	Name             string    `json:"name"`
	Aliases          []string  `json:"aliases"`
	EventTypes       []string  `json:"event_types,omitempty"`
	TargetProfile    string    `json:"target_profile"`
	PromptTemplate   string    `json:"prompt_template"`
	RequiresApproval bool      `json:"requires_approval"`
	Priority         int       `json:"priority"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s *Store) ListCommands(ctx context.Context, provider string) ([]CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, name, aliases_json, event_types_json, target_profile, prompt_template,
			requires_approval, priority, updated_at
		FROM commands WHERE provider = ? ORDER BY name ASC;
	`, provider)
	if err != nil {
		return nil, classify(fmt.Errorf("list commands: %w", err))
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			rec        CommandRecord
			aliases    string
			eventTypes string
			approval   int
		)
		if err := rows.Scan(&rec.Provider, &rec.Name, &aliases, &eventTypes, &rec.TargetProfile,
			&rec.PromptTemplate, &approval, &rec.Priority, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		if err := json.Unmarshal([]byte(aliases), &rec.Aliases); err != nil {
			return nil, fmt.Errorf("decode aliases for %s: %w", rec.Name, err)
		}
		if err := json.Unmarshal([]byte(eventTypes), &rec.EventTypes); err != nil {
			return nil, fmt.Errorf("decode event types for %s: %w", rec.Name, err)
		}
		rec.RequiresApproval = approval != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpsertCommand(ctx context.Context, rec CommandRecord) error {
	rec.Name = strings.ToLower(strings.TrimSpace(rec.Name))
	if rec.Provider == "" || rec.Name == "" {
		return fmt.Errorf("command provider and name are required")
	}
	if rec.Aliases == nil {
		rec.Aliases = []string{}
	}
	if rec.EventTypes == nil {
		rec.EventTypes = []string{}
	}
	aliases, err := json.Marshal(rec.Aliases)
	if err != nil {
		return err
	}
	eventTypes, err := json.Marshal(rec.EventTypes)
	if err != nil {
		return err
	}
	return classify(retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO commands (provider, name, aliases_json, event_types_json, target_profile, prompt_template,
				requires_approval, priority, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(provider, name) DO UPDATE SET
				aliases_json = excluded.aliases_json,
				event_types_json = excluded.event_types_json,
				target_profile = excluded.target_profile,
				prompt_template = excluded.prompt_template,
				requires_approval = excluded.requires_approval,
				priority = excluded.priority,
				updated_at = excluded.updated_at;
		`, rec.Provider, rec.Name, string(aliases), string(eventTypes), rec.TargetProfile, rec.PromptTemplate,
			boolToInt(rec.RequiresApproval), rec.Priority, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert command: %w", err)
		}
		return nil
	}))
}

// DeleteCommand removes a dynamic command. Missing rows are not an error.
func (s *Store) DeleteCommand(ctx context.Context, provider, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE provider = ? AND name = ?;`,
		provider, strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return false, classify(fmt.Errorf("delete command: %w", err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
