// Package autoresponder drafts bot replies to customer messages when a
// conversation has auto-reply enabled. A generation failure is logged
// and swallowed; the customer simply waits for a human.
package autoresponder

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/outbound"
)

const defaultHistoryWindow = 10

// Gate decides whether an inbound message gets a bot reply and, when
// it does, generates and sends one.
type Gate struct {
	generator Generator
	messages  *message.Service
	sender    *outbound.Sender
	window    int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewGate creates a Gate. window is the number of recent messages
// handed to the generator; timeout bounds a single generation call.
func NewGate(generator Generator, messages *message.Service, sender *outbound.Sender, window int, timeout time.Duration, log *slog.Logger) *Gate {
	if window <= 0 {
		window = defaultHistoryWindow
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		generator: generator,
		messages:  messages,
		sender:    sender,
		window:    window,
		timeout:   timeout,
		logger:    log.With(slog.String("component", "autoresponder")),
	}
}

// MaybeRespond sends a bot reply to inbound if the conversation allows
// it. Only customer messages in auto-reply conversations qualify; all
// other inputs are a no-op. Errors never propagate to the customer.
func (g *Gate) MaybeRespond(ctx context.Context, conv conversation.Conversation, inbound message.Message) {
	if g.generator == nil || !conv.AutoReplyEnabled || inbound.Role != message.RoleUser {
		return
	}

	history, err := g.transcript(ctx, conv.ID, inbound)
	if err != nil {
		g.logger.Warn("skipping bot reply, transcript unavailable",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reply, err := g.generator.Generate(genCtx, history)
	if err != nil {
		g.logger.Warn("bot reply generation failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
		return
	}
	if reply == "" {
		return
	}

	if _, err := g.sender.SendAsBot(ctx, conv, reply); err != nil {
		g.logger.Warn("bot reply send failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
	}
}

// transcript loads the recent window as generator turns, oldest first.
// The inbound message is appended if the window read raced ahead of it.
func (g *Gate) transcript(ctx context.Context, conversationID string, inbound message.Message) ([]Turn, error) {
	recent, err := g.messages.Store().ListRecent(ctx, conversationID, g.window)
	if err != nil {
		return nil, err
	}

	turns := make([]Turn, 0, len(recent)+1)
	sawInbound := false
	for _, m := range recent {
		if m.Text == "" {
			continue
		}
		if m.ID == inbound.ID {
			sawInbound = true
		}
		turns = append(turns, Turn{Role: turnRole(m.Role), Content: m.Text})
	}
	if !sawInbound && inbound.Text != "" {
		turns = append(turns, Turn{Role: roleUser, Content: inbound.Text})
	}
	return turns, nil
}

func turnRole(role message.Role) string {
	if role == message.RoleUser {
		return roleUser
	}
	return roleAssistant
}
