package webhook

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-#|@]*)\s*\}\}`)

// RenderInput is everything a prompt template may reference.
type RenderInput struct {
	Event   *Event
	Command string
	Args    string
}

// Render substitutes placeholders in tmpl. Unknown placeholders are left
// intact; {{payload.<path>}} reads the raw body with a gjson path.
func Render(tmpl string, in RenderInput) string {
	ev := in.Event
	if ev == nil {
		ev = &Event{}
	}
	fields := map[string]string{
		"text":        ev.Text,
		"args":        in.Args,
		"command":     in.Command,
		"provider":    ev.Provider,
		"event_type":  ev.EventType,
		"external_id": ev.ExternalID,
		"author":      ev.Author,
		"title":       ev.Title,
		"url":         ev.URL,
	}
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRE.FindStringSubmatch(m)[1]
		if v, ok := fields[key]; ok {
			return v
		}
		if path, ok := strings.CutPrefix(key, "payload."); ok && len(ev.Raw) > 0 {
			if r := gjson.GetBytes(ev.Raw, path); r.Exists() {
				return r.String()
			}
		}
		return m
	})
}

// RenderPrompt renders the command template. An empty template or an
// all-blank result falls back to the raw event text.
func RenderPrompt(tmpl string, in RenderInput) string {
	out := ""
	if strings.TrimSpace(tmpl) != "" {
		out = strings.TrimSpace(Render(tmpl, in))
	}
	if out == "" && in.Event != nil {
		out = strings.TrimSpace(in.Event.Text)
	}
	return out
}
