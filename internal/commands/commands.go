// Package commands resolves provider event text to a configured command.
package commands

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a command set that fails Validate.
var ErrInvalid = errors.New("invalid command")

const (
	SourceStatic  = "static"
	SourceDynamic = "dynamic"
)

type Command struct {
	Name             string   `yaml:"name" json:"name"`
	Aliases          []string `yaml:"aliases" json:"aliases,omitempty"`
	EventTypes       []string `yaml:"event_types" json:"event_types,omitempty"`
	TargetProfile    string   `yaml:"target_profile" json:"target_profile"`
	PromptTemplate   string   `yaml:"prompt_template" json:"prompt_template"`
	RequiresApproval bool     `yaml:"requires_approval" json:"requires_approval"`
	Priority         int      `yaml:"priority" json:"priority"`
	Source           string   `yaml:"-" json:"source"`
}

func (c Command) key() string {
	return strings.ToLower(strings.TrimSpace(c.Name))
}

func (c Command) acceptsEvent(eventType string) bool {
	if len(c.EventTypes) == 0 {
		return true
	}
	for _, t := range c.EventTypes {
		if strings.EqualFold(t, eventType) {
			return true
		}
	}
	return false
}

// StaticSet is the versioned, file-backed command source.
type StaticSet struct {
	Version   string               `yaml:"version"`
	Providers map[string][]Command `yaml:"providers"`
}

// LoadStatic reads a static command file. A missing file is an empty set.
func LoadStatic(path string) (StaticSet, error) {
	var set StaticSet
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StaticSet{Providers: map[string][]Command{}}, nil
		}
		return set, fmt.Errorf("read commands file: %w", err)
	}
	if err := yaml.Unmarshal(data, &set); err != nil {
		return set, fmt.Errorf("parse commands file: %w", err)
	}
	if set.Providers == nil {
		set.Providers = map[string][]Command{}
	}
	for provider, cmds := range set.Providers {
		for i := range cmds {
			cmds[i].Source = SourceStatic
		}
		if err := Validate(cmds); err != nil {
			return set, fmt.Errorf("provider %q: %w", provider, err)
		}
	}
	return set, nil
}

// Merge combines static and dynamic commands keyed by lowercased name. A
// dynamic entry replaces a static one of the same name entirely.
func Merge(static, dynamic []Command) []Command {
	byName := make(map[string]Command, len(static)+len(dynamic))
	for _, c := range static {
		byName[c.key()] = c
	}
	for _, c := range dynamic {
		byName[c.key()] = c
	}
	out := make([]Command, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Validate checks that names are usable tokens and that no name or alias
// is claimed by two commands.
func Validate(cmds []Command) error {
	owner := make(map[string]string, len(cmds))
	for _, c := range cmds {
		name := c.key()
		if name == "" {
			return fmt.Errorf("%w: command name is required", ErrInvalid)
		}
		if strings.ContainsAny(name, " \t\r\n") {
			return fmt.Errorf("%w: command name %q must be a single token", ErrInvalid, c.Name)
		}
		if prev, ok := owner[name]; ok {
			return fmt.Errorf("%w: command name %q already used by %q", ErrInvalid, c.Name, prev)
		}
		owner[name] = name
	}
	for _, c := range cmds {
		for _, a := range c.Aliases {
			alias := strings.ToLower(strings.TrimSpace(a))
			if alias == "" || alias == c.key() {
				continue
			}
			if strings.ContainsAny(alias, " \t\r\n") {
				return fmt.Errorf("%w: alias %q of %q must be a single token", ErrInvalid, a, c.Name)
			}
			if prev, ok := owner[alias]; ok {
				return fmt.Errorf("%w: alias %q of %q collides with %q", ErrInvalid, a, c.Name, prev)
			}
			owner[alias] = c.key()
		}
	}
	return nil
}
