package telegram

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"tickerwire/internal/feed"
	"tickerwire/pkg/logx"
)

func TestRenderFullItem(t *testing.T) {
	t.Parallel()
	got := render(feed.Item{
		Title: "Acme Ltd reports strong quarter",
		Text:  "Net profit rose 20%.",
		URL:   "https://example.com/a",
	})
	want := "*Acme Ltd reports strong quarter*\nNet profit rose 20%.\n[Read more](https://example.com/a)"
	if got != want {
		t.Fatalf("render = %q, want %q", got, want)
	}
}

func TestRenderSkipsRedundantText(t *testing.T) {
	t.Parallel()
	got := render(feed.Item{Title: "Same headline", Text: "Same headline"})
	if got != "*Same headline*" {
		t.Fatalf("render = %q", got)
	}
}

func TestRenderEscapesMarkdownControls(t *testing.T) {
	t.Parallel()
	got := render(feed.Item{Title: "EPS up 5%*, co_name [note]"})
	if strings.Contains(strings.TrimPrefix(strings.TrimSuffix(got, "*"), "*"), "co_name") {
		t.Fatalf("underscore not escaped: %q", got)
	}
	if !strings.Contains(got, "\\*") || !strings.Contains(got, "\\_") || !strings.Contains(got, "\\[") {
		t.Fatalf("controls not escaped: %q", got)
	}
}

func TestRenderEscapesLinkURLParens(t *testing.T) {
	t.Parallel()
	got := render(feed.Item{
		Title: "Wiki entry",
		URL:   "https://example.com/Acme_(company)",
	})
	want := "*Wiki entry*\n[Read more](https://example.com/Acme_%28company%29)"
	if got != want {
		t.Fatalf("render = %q, want %q", got, want)
	}
}

func TestIsPermanentClassification(t *testing.T) {
	t.Parallel()
	for _, err := range []error{tele.ErrUnauthorized, tele.ErrChatNotFound, tele.ErrBlockedByUser} {
		if !isPermanent(err) {
			t.Fatalf("%v should be permanent", err)
		}
	}
	if isPermanent(errors.New("Gateway Timeout")) {
		t.Fatal("transient error classified permanent")
	}
}

func TestNewRejectsMissingSettings(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("expected error on empty token")
	}
	if _, err := New(Config{Token: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error on zero chat id")
	}
}
