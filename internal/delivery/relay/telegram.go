// Package relay forwards notifications and alert logs to a Telegram chat.
package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"circlelink/internal/notifier"
	logx "circlelink/pkg/logx"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

// Telegram posts to one chat (and optional forum thread). It implements
// notifier.Poster for native notifications and logx.Relay for alert logs.
type Telegram struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Offline: no getMe round trip at startup; this bot only sends.
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{cfg: cfg, bot: b, log: log}, nil
}

func (t *Telegram) Post(ctx context.Context, n notifier.Notification) error {
	var b strings.Builder
	b.WriteString(notifier.PriorityPrefix(n.Priority))
	b.WriteString(n.Title)
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(n.Body)
	}
	return t.send(ctx, b.String())
}

// Relay sends an already formatted log record.
func (t *Telegram) Relay(ctx context.Context, text string) error {
	return t.send(ctx, text)
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tele.ChatID(t.cfg.ChatID), text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	})
	if err != nil {
		t.log.Debug("telegram send failed", logx.Int64("chat_id", t.cfg.ChatID), logx.Err(err))
	}
	return err
}
