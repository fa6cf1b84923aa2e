package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-relay/internal/config"
)

// telegramLimit is the Bot API's maximum message length in characters.
const telegramLimit = 4096

// Telegram replies in the chat the triggering update came from.
type Telegram struct {
	cfg    config.ReplyConfig
	logger *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegram(cfg config.ReplyConfig, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{cfg: cfg, logger: logger}
}

// client connects on first use so a bad token fails the delivery, not
// startup.
func (t *Telegram) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	endpoint := t.cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram dispatcher connected", "user", bot.Self.UserName)
	t.bot = bot
	return bot, nil
}

func (t *Telegram) Dispatch(_ context.Context, d Delivery) (Receipt, error) {
	routing := d.Task.Metadata.Routing
	if routing.ChatID == 0 {
		return Receipt{}, fmt.Errorf("task %s has no telegram chat id", d.Task.ID)
	}
	bot, err := t.client()
	if err != nil {
		return Receipt{}, err
	}
	replyTo, _ := strconv.Atoi(routing.ReplyTo)

	var receipt Receipt
	for i, part := range splitMessage(d.Text(), telegramLimit) {
		msg := tgbotapi.NewMessage(routing.ChatID, part)
		if i == 0 && replyTo > 0 {
			msg.ReplyToMessageID = replyTo
		}
		sent, err := bot.Send(msg)
		if err != nil {
			return receipt, fmt.Errorf("send telegram message: %w", err)
		}
		receipt.MessageIDs = append(receipt.MessageIDs, strconv.Itoa(sent.MessageID))
	}
	return receipt, nil
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return []string{"(no output)"}
	}
	runes := []rune(text)
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
