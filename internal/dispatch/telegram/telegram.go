// Package telegram delivers items to a Telegram chat over the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tickerwire/internal/feed"
	"tickerwire/internal/retry"
	"tickerwire/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	SendTimeout time.Duration // per-send HTTP budget, default 10s
}

type Dispatcher struct {
	bot    *tele.Bot
	chat   tele.ChatID
	log    logx.Logger
	budget time.Duration
}

// New builds the dispatcher and verifies the token against the Bot API.
// Failing fast here beats discovering a bad token on the first delivery.
func New(cfg Config, log logx.Logger) (*Dispatcher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: cfg.SendTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	log.Info("telegram bot authorized", logx.String("username", bot.Me.Username))
	return &Dispatcher{bot: bot, chat: tele.ChatID(cfg.ChatID), log: log, budget: cfg.SendTimeout}, nil
}

func (d *Dispatcher) Send(ctx context.Context, item feed.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.bot.Send(d.chat, render(item), &tele.SendOptions{
		ParseMode:             tele.ModeMarkdown,
		DisableWebPagePreview: true,
	})
	if err == nil {
		return nil
	}
	if isPermanent(err) {
		return retry.Permanent(fmt.Errorf("telegram send: %w", err))
	}
	return fmt.Errorf("telegram send: %w", err)
}

// isPermanent covers API failures retries cannot fix this run.
func isPermanent(err error) bool {
	switch {
	case errors.Is(err, tele.ErrUnauthorized),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromChannel):
		return true
	}
	return false
}

func render(item feed.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*", escapeMarkdown(item.Title))
	if item.Text != "" && item.Text != item.Title {
		b.WriteString("\n")
		b.WriteString(escapeMarkdown(item.Text))
	}
	if item.URL != "" {
		fmt.Fprintf(&b, "\n[Read more](%s)", escapeLinkURL(item.URL))
	}
	return b.String()
}

// escapeLinkURL percent-encodes parentheses so a URL containing ")" does
// not terminate the Markdown link entity early.
func escapeLinkURL(u string) string {
	r := strings.NewReplacer("(", "%28", ")", "%29")
	return r.Replace(u)
}

// escapeMarkdown neutralizes the legacy-Markdown control characters that
// show up in headlines. Unbalanced markers make the API reject the whole
// message.
func escapeMarkdown(s string) string {
	r := strings.NewReplacer("*", "\\*", "_", "\\_", "`", "\\`", "[", "\\[")
	return r.Replace(s)
}
