package webhook

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tidwall/gjson"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/persistence"
)

type parseFunc func(header http.Header, body []byte) (*Event, error)

var parsers = map[string]parseFunc{
	config.KindGitHub:   parseGitHub,
	config.KindJira:     parseJira,
	config.KindSlack:    parseSlack,
	config.KindSentry:   parseSentry,
	config.KindTelegram: parseTelegram,
	config.KindGeneric:  parseGeneric,
}

// first returns the first non-empty string result among paths.
func first(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func parseGitHub(header http.Header, body []byte) (*Event, error) {
	doc := gjson.ParseBytes(body)
	repo := first(doc, "repository.full_name")
	number := first(doc, "issue.number", "pull_request.number")
	externalID := repo
	if number != "" {
		externalID = repo + "#" + number
	}
	return &Event{
		DeliveryID:  header.Get("X-GitHub-Delivery"),
		EventType:   header.Get("X-GitHub-Event"),
		ExternalID:  externalID,
		Text:        first(doc, "comment.body", "review.body", "issue.body", "pull_request.body"),
		Author:      first(doc, "comment.user.login", "review.user.login", "sender.login"),
		AuthorIsBot: strings.EqualFold(first(doc, "comment.user.type", "sender.type"), "Bot"),
		CommentID:   first(doc, "comment.id", "review.id"),
		Title:       first(doc, "issue.title", "pull_request.title"),
		URL:         first(doc, "comment.html_url", "issue.html_url", "pull_request.html_url"),
		Routing: persistence.Routing{
			Channel:  repo,
			ThreadID: number,
			ReplyTo:  first(doc, "issue.comments_url", "pull_request.comments_url"),
		},
	}, nil
}

func parseJira(header http.Header, body []byte) (*Event, error) {
	doc := gjson.ParseBytes(body)
	key := first(doc, "issue.key")
	return &Event{
		DeliveryID: header.Get("X-Atlassian-Webhook-Identifier"),
		EventType:  first(doc, "webhookEvent"),
		ExternalID: key,
		Text:       first(doc, "comment.body", "issue.fields.description"),
		Author:     first(doc, "comment.author.name", "comment.author.displayName", "user.name", "user.displayName"),
		CommentID:  first(doc, "comment.id"),
		Title:      first(doc, "issue.fields.summary"),
		URL:        first(doc, "issue.self"),
		Routing: persistence.Routing{
			Channel:  first(doc, "issue.fields.project.key"),
			ThreadID: key,
			ReplyTo:  first(doc, "issue.self"),
		},
	}, nil
}

func parseSlack(_ http.Header, body []byte) (*Event, error) {
	doc := gjson.ParseBytes(body)
	if doc.Get("type").String() == "url_verification" {
		return &Event{EventType: "url_verification", Challenge: doc.Get("challenge").String()}, nil
	}
	channel := first(doc, "event.channel")
	thread := first(doc, "event.thread_ts", "event.ts")
	externalID := ""
	if channel != "" && thread != "" {
		externalID = channel + ":" + thread
	}
	return &Event{
		DeliveryID:  first(doc, "event_id"),
		EventType:   first(doc, "event.type"),
		ExternalID:  externalID,
		Text:        first(doc, "event.text"),
		Author:      first(doc, "event.user", "event.username"),
		AuthorIsBot: first(doc, "event.bot_id") != "" || first(doc, "event.subtype") == "bot_message",
		CommentID:   first(doc, "event.client_msg_id", "event.ts"),
		Routing:     persistence.Routing{Channel: channel, ThreadID: thread},
	}, nil
}

func parseSentry(header http.Header, body []byte) (*Event, error) {
	doc := gjson.ParseBytes(body)
	eventType := header.Get("Sentry-Hook-Resource")
	if action := first(doc, "action"); action != "" && eventType != "" {
		eventType += "." + action
	}
	issueID := first(doc, "data.issue.id", "data.event.issue_id", "data.issue_id")
	return &Event{
		DeliveryID:  header.Get("Request-ID"),
		EventType:   eventType,
		ExternalID:  issueID,
		Text:        first(doc, "data.comment", "data.issue.title", "data.event.title"),
		Author:      first(doc, "actor.name", "actor.id"),
		AuthorIsBot: first(doc, "actor.type") == "application",
		CommentID:   first(doc, "data.comment_id"),
		Title:       first(doc, "data.issue.title", "data.event.title"),
		URL:         first(doc, "data.issue.web_url", "data.event.web_url"),
		Routing:     persistence.Routing{ThreadID: issueID, Channel: first(doc, "data.issue.project.slug", "data.project_slug")},
	}, nil
}

func parseTelegram(_ http.Header, body []byte) (*Event, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, err
	}
	eventType := "message"
	msg := update.Message
	switch {
	case msg != nil:
	case update.EditedMessage != nil:
		msg, eventType = update.EditedMessage, "edited_message"
	case update.ChannelPost != nil:
		msg, eventType = update.ChannelPost, "channel_post"
	default:
		return &Event{EventType: "unsupported"}, nil
	}
	ev := &Event{
		DeliveryID: strconv.Itoa(update.UpdateID),
		EventType:  eventType,
		Text:       msg.Text,
		CommentID:  strconv.Itoa(msg.MessageID),
	}
	if msg.Chat != nil {
		ev.ExternalID = strconv.FormatInt(msg.Chat.ID, 10)
		ev.Title = msg.Chat.Title
		ev.Routing = persistence.Routing{ChatID: msg.Chat.ID, ReplyTo: ev.CommentID}
	}
	if msg.From != nil {
		ev.Author = msg.From.UserName
		if ev.Author == "" {
			ev.Author = strconv.FormatInt(msg.From.ID, 10)
		}
		ev.AuthorIsBot = msg.From.IsBot
	}
	return ev, nil
}

func parseGeneric(header http.Header, body []byte) (*Event, error) {
	doc := gjson.ParseBytes(body)
	delivery := header.Get("X-Webhook-Delivery")
	if delivery == "" {
		delivery = first(doc, "delivery_id")
	}
	return &Event{
		DeliveryID:  delivery,
		EventType:   first(doc, "event_type"),
		ExternalID:  first(doc, "external_id"),
		Text:        first(doc, "text"),
		Author:      first(doc, "author"),
		AuthorIsBot: doc.Get("author_is_bot").Bool(),
		CommentID:   first(doc, "comment_id"),
		Title:       first(doc, "title"),
		URL:         first(doc, "url"),
		Routing: persistence.Routing{
			Channel:  first(doc, "channel"),
			ThreadID: first(doc, "thread_id"),
			ReplyTo:  first(doc, "reply_to"),
		},
	}, nil
}
