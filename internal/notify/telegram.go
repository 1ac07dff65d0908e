package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rentreclaim/internal/logging"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures a Telegram notifier.
type TelegramConfig struct {
	BotToken   string
	ChatIDs    []int64
	APIBaseURL string
	HTTPClient *http.Client
}

// Telegram posts sendMessage to every configured chat.
type Telegram struct {
	bot   *bot.Bot
	chats []int64
}

// NewTelegram validates cfg and returns a notifier. No request is made
// until the first Send.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("at least one telegram chat id is required")
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = DefaultTelegramAPI
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	b, err := bot.New(cfg.BotToken,
		bot.WithServerURL(base),
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(client.Timeout, redactingClient{client}),
	)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: b, chats: cfg.ChatIDs}, nil
}

// Send implements Notifier. Every chat is attempted; errors are joined.
func (t *Telegram) Send(ctx context.Context, text string) error {
	noPreview := true
	var errs []error
	for _, chat := range t.chats {
		_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:             chat,
			Text:               text,
			ParseMode:          models.ParseModeMarkdownV1,
			LinkPreviewOptions: &models.LinkPreviewOptions{IsDisabled: &noPreview},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chat, err))
			continue
		}
		logging.Get(logging.CategoryNotify).Debugf("Alert sent to chat %d", chat)
	}
	return errors.Join(errs...)
}

// redactingClient unwraps transport errors before the bot sees them. The
// request URL carries the bot token and must not reach logs.
type redactingClient struct {
	c *http.Client
}

func (r redactingClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.c.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, fmt.Errorf("%s sendMessage: %w", uerr.Op, uerr.Err)
		}
	}
	return resp, err
}
