package webhook

import (
	"github.com/basket/go-relay/internal/persistence"
)

// Event is a provider payload normalised to the fields the relay acts on.
type Event struct {
	Provider    string
	Kind        string
	EventType   string
	ExternalID  string
	DeliveryID  string
	Text        string
	Author      string
	AuthorIsBot bool
	CommentID   string
	Title       string
	URL         string
	Routing     persistence.Routing
	// Challenge is set for handshake requests that must be echoed back.
	Challenge string
	Raw       []byte
}

const excerptLimit = 280

// Metadata converts the event to the task's stored source metadata.
func (e *Event) Metadata(command string) persistence.SourceMetadata {
	excerpt := e.Text
	if r := []rune(excerpt); len(r) > excerptLimit {
		excerpt = string(r[:excerptLimit])
	}
	return persistence.SourceMetadata{
		Provider:     e.Provider,
		ProviderKind: e.Kind,
		Command:      command,
		EventType:    e.EventType,
		ExternalID:   e.ExternalID,
		Author:       e.Author,
		CommentID:    e.CommentID,
		Title:        e.Title,
		URL:          e.URL,
		Excerpt:      excerpt,
		Routing:      e.Routing,
	}
}
