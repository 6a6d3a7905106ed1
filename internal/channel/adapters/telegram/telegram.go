// Package telegram implements the Telegram channel adapter. It long-polls
// the Bot API for customer messages and sends agent replies through the
// same bot.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// Type is the channel type handled by this adapter.
const Type = channel.ChannelTelegram

const maxMessageLength = 4096

// Adapter implements channel.Sender and channel.Receiver for Telegram.
type Adapter struct {
	logger *slog.Logger
	mu     sync.RWMutex
	bots   map[string]*tgbotapi.BotAPI // keyed by bot token
}

// New creates a Telegram adapter with the given logger.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		bots:   map[string]*tgbotapi.BotAPI{},
	}
}

func (a *Adapter) Type() channel.ChannelType { return Type }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:             Type,
		DisplayName:      "Telegram",
		CredentialFields: []string{"bot_token"},
	}
}

// NormalizeCredentials validates the bot token and drops unknown keys.
func (a *Adapter) NormalizeCredentials(raw map[string]string) (map[string]string, error) {
	token := strings.TrimSpace(raw["bot_token"])
	if token == "" {
		return nil, fmt.Errorf("bot_token is required")
	}
	return map[string]string{"bot_token": token}, nil
}

var newBotForTest func(token string) (*tgbotapi.BotAPI, error)

func (a *Adapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	if newBotForTest != nil {
		return newBotForTest(token)
	}
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	a.bots[token] = bot
	return bot, nil
}

// Connect starts long-polling for updates and forwards customer messages
// to the handler. The customer identity is the Telegram chat id.
func (a *Adapter) Connect(ctx context.Context, cfg channel.ConnectionConfig, handler channel.InboundHandler) (channel.Connection, error) {
	token := strings.TrimSpace(cfg.Credentials["bot_token"])
	if token == "" {
		return nil, fmt.Errorf("bot_token is required")
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		a.logger.Error("create bot failed", slog.String("connection_id", cfg.ID), slog.Any("error", err))
		return nil, err
	}
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := bot.GetUpdatesChan(updateConfig)
	connCtx, cancel := context.WithCancel(context.Background())

	a.logger.Info("long polling started", slog.String("connection_id", cfg.ID))
	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("updates channel closed", slog.String("connection_id", cfg.ID))
					return
				}
				event, ok := normalizeUpdate(cfg, update, bot.Self.ID)
				if !ok {
					continue
				}
				if err := handler(connCtx, cfg, event); err != nil {
					a.logger.Error("handle inbound failed",
						slog.String("connection_id", cfg.ID),
						slog.Any("error", err))
				}
			}
		}
	}()

	stop := func() {
		a.logger.Info("long polling stopped", slog.String("connection_id", cfg.ID))
		bot.StopReceivingUpdates()
		cancel()
		// Drain remaining updates so the library's polling goroutine can
		// exit. Otherwise the in-flight long-poll keeps the old getUpdates
		// session alive and a restarted connection with the same token
		// fails with a conflict error.
		for range updates {
		}
	}
	return channel.NewBaseConnection(cfg.ID, stop), nil
}

// normalizeUpdate converts a Telegram update into an InboundEvent. Updates
// without a usable message, and messages sent by bots, are skipped.
func normalizeUpdate(cfg channel.ConnectionConfig, update tgbotapi.Update, selfID int64) (channel.InboundEvent, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return channel.InboundEvent{}, false
	}
	if msg.From != nil && (msg.From.IsBot || msg.From.ID == selfID) {
		return channel.InboundEvent{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	attachments := collectAttachments(msg)
	if text == "" && len(attachments) == 0 {
		return channel.InboundEvent{}, false
	}
	profile := channel.CustomerProfile{Attributes: map[string]string{}}
	if msg.From != nil {
		profile.Name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if msg.From.UserName != "" {
			profile.Attributes[channel.AttrTelegramUsername] = msg.From.UserName
		}
		if msg.From.LanguageCode != "" {
			profile.Attributes[channel.AttrLocale] = msg.From.LanguageCode
		}
	}
	return channel.InboundEvent{
		Channel:           Type,
		ConnectionID:      cfg.ID,
		CustomerID:        strconv.FormatInt(msg.Chat.ID, 10),
		Profile:           profile,
		Text:              text,
		Attachments:       attachments,
		PlatformMessageID: strconv.Itoa(msg.MessageID),
		ReceivedAt:        time.Unix(int64(msg.Date), 0).UTC(),
	}, true
}

// collectAttachments extracts attachment references from a message. Photo
// and document file ids are kept as tg-file URIs; the delivery layer can
// resolve them through getFile when serving the inbox.
func collectAttachments(msg *tgbotapi.Message) []channel.Attachment {
	var out []channel.Attachment
	if len(msg.Photo) > 0 {
		best := msg.Photo[len(msg.Photo)-1]
		out = append(out, channel.Attachment{
			URL:         "tg-file://" + best.FileID,
			ContentType: "image/jpeg",
			Size:        int64(best.FileSize),
		})
	}
	if msg.Document != nil {
		out = append(out, channel.Attachment{
			URL:         "tg-file://" + msg.Document.FileID,
			ContentType: msg.Document.MimeType,
			Size:        int64(msg.Document.FileSize),
		})
	}
	if msg.Voice != nil {
		out = append(out, channel.Attachment{
			URL:         "tg-file://" + msg.Voice.FileID,
			ContentType: msg.Voice.MimeType,
			Size:        int64(msg.Voice.FileSize),
		})
	}
	return out
}

// Send delivers a reply to the customer's chat, splitting text that
// exceeds the Telegram message length limit.
func (a *Adapter) Send(ctx context.Context, cfg channel.ConnectionConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	token := strings.TrimSpace(cfg.Credentials["bot_token"])
	if token == "" {
		return channel.SendResult{}, fmt.Errorf("bot_token is required")
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.CustomerID), 10, 64)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("invalid telegram chat id %q", msg.CustomerID)
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" && len(msg.Attachments) == 0 {
		return channel.SendResult{}, fmt.Errorf("message is empty")
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return channel.SendResult{}, err
	}

	var result channel.SendResult
	for _, att := range msg.Attachments {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileURL(att.URL))
		sent, err := bot.Send(doc)
		if err != nil {
			return channel.SendResult{}, fmt.Errorf("send attachment: %w", err)
		}
		result.PlatformMessageID = strconv.Itoa(sent.MessageID)
	}
	for _, chunk := range splitMessage(text, maxMessageLength) {
		out := tgbotapi.NewMessage(chatID, chunk)
		sent, err := bot.Send(out)
		if err != nil {
			return channel.SendResult{}, fmt.Errorf("send message: %w", err)
		}
		result.PlatformMessageID = strconv.Itoa(sent.MessageID)
	}
	return result, nil
}

// splitMessage splits text into chunks of at most limit runes, preferring
// to break on newlines.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	return chunks
}
