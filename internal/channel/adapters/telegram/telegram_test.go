package telegram

import (
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/relaydesk/internal/channel"
)

func testUpdate(text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 42,
			Date:      1700000000,
			Text:      text,
			Chat:      &tgbotapi.Chat{ID: 987654321},
			From: &tgbotapi.User{
				ID:           111,
				FirstName:    "Ada",
				LastName:     "Lovelace",
				UserName:     "ada",
				LanguageCode: "en",
			},
		},
	}
}

func TestNormalizeUpdate(t *testing.T) {
	t.Parallel()

	cfg := channel.ConnectionConfig{ID: "conn-1", Channel: Type}
	event, ok := normalizeUpdate(cfg, testUpdate("hello there"), 999)
	if !ok {
		t.Fatalf("expected event")
	}
	if event.Channel != channel.ChannelTelegram {
		t.Fatalf("channel = %s", event.Channel)
	}
	if event.CustomerID != "987654321" {
		t.Fatalf("customer id = %s", event.CustomerID)
	}
	if event.Text != "hello there" {
		t.Fatalf("text = %q", event.Text)
	}
	if event.PlatformMessageID != "42" {
		t.Fatalf("platform message id = %s", event.PlatformMessageID)
	}
	if event.Profile.Name != "Ada Lovelace" {
		t.Fatalf("profile name = %q", event.Profile.Name)
	}
	if event.Profile.Attributes[channel.AttrTelegramUsername] != "ada" {
		t.Fatalf("username attr = %q", event.Profile.Attributes[channel.AttrTelegramUsername])
	}
	if event.ReceivedAt.IsZero() {
		t.Fatalf("expected received_at")
	}
}

func TestNormalizeUpdateSkips(t *testing.T) {
	t.Parallel()

	cfg := channel.ConnectionConfig{ID: "conn-1", Channel: Type}

	if _, ok := normalizeUpdate(cfg, tgbotapi.Update{}, 999); ok {
		t.Fatalf("expected empty update to be skipped")
	}
	if _, ok := normalizeUpdate(cfg, testUpdate("   "), 999); ok {
		t.Fatalf("expected blank message to be skipped")
	}

	fromBot := testUpdate("ping")
	fromBot.Message.From.IsBot = true
	if _, ok := normalizeUpdate(cfg, fromBot, 999); ok {
		t.Fatalf("expected bot message to be skipped")
	}

	fromSelf := testUpdate("ping")
	fromSelf.Message.From.ID = 999
	if _, ok := normalizeUpdate(cfg, fromSelf, 999); ok {
		t.Fatalf("expected own message to be skipped")
	}
}

func TestNormalizeUpdateCaptionFallback(t *testing.T) {
	t.Parallel()

	update := testUpdate("")
	update.Message.Caption = "see attached"
	update.Message.Document = &tgbotapi.Document{FileID: "doc-1", MimeType: "application/pdf", FileSize: 1024}

	event, ok := normalizeUpdate(channel.ConnectionConfig{ID: "conn-1"}, update, 999)
	if !ok {
		t.Fatalf("expected event")
	}
	if event.Text != "see attached" {
		t.Fatalf("text = %q", event.Text)
	}
	if len(event.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(event.Attachments))
	}
	if event.Attachments[0].URL != "tg-file://doc-1" {
		t.Fatalf("attachment url = %s", event.Attachments[0].URL)
	}
}

func TestNormalizeCredentials(t *testing.T) {
	t.Parallel()

	a := New(nil)
	if _, err := a.NormalizeCredentials(map[string]string{}); err == nil {
		t.Fatalf("expected missing token error")
	}
	creds, err := a.NormalizeCredentials(map[string]string{"bot_token": " 123:abc ", "extra": "x"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if creds["bot_token"] != "123:abc" {
		t.Fatalf("token = %q", creds["bot_token"])
	}
	if len(creds) != 1 {
		t.Fatalf("expected unknown keys dropped, got %v", creds)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	if got := splitMessage("", 10); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected chunks: %v", got)
	}

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	chunks := splitMessage(text, 10)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != strings.Repeat("a", 8) {
		t.Fatalf("chunk[0] = %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 8) {
		t.Fatalf("chunk[1] = %q", chunks[1])
	}

	long := strings.Repeat("x", 25)
	chunks = splitMessage(long, 10)
	var rejoined string
	for _, c := range chunks {
		if len(c) > 10 {
			t.Fatalf("chunk exceeds limit: %d", len(c))
		}
		rejoined += c
	}
	if rejoined != long {
		t.Fatalf("chunks lost content")
	}
}
