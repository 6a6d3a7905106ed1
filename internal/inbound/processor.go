// Package inbound turns platform events into stored customer messages.
// Each event is resolved to its conversation, appended to the thread,
// fanned out to connected clients, and optionally answered by the bot.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/relaydesk/internal/autoresponder"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/message"
)

const botReplyTimeout = 60 * time.Second

// Processor handles one inbound event end to end.
type Processor struct {
	resolver *conversation.Resolver
	messages *message.Service
	gate     *autoresponder.Gate
	logger   *slog.Logger

	// syncBot runs the auto-responder inline instead of in a goroutine.
	syncBot bool
}

// NewProcessor creates a Processor. gate may be nil when no answer
// generation is configured.
func NewProcessor(resolver *conversation.Resolver, messages *message.Service, gate *autoresponder.Gate, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		resolver: resolver,
		messages: messages,
		gate:     gate,
		logger:   log.With(slog.String("component", "inbound")),
	}
}

// NewProcessorSync is NewProcessor with the bot reply generated inline.
// Tests use it to observe the full pipeline without sleeping.
func NewProcessorSync(resolver *conversation.Resolver, messages *message.Service, gate *autoresponder.Gate, log *slog.Logger) *Processor {
	p := NewProcessor(resolver, messages, gate, log)
	p.syncBot = true
	return p
}

// Process stores one inbound customer message. New conversations are
// announced to the company inbox before the message event goes out.
func (p *Processor) Process(ctx context.Context, cfg channel.ConnectionConfig, event channel.InboundEvent) error {
	if event.Text == "" && len(event.Attachments) == 0 {
		return nil
	}

	conv, created, err := p.resolver.Resolve(ctx, cfg, event)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	if created {
		p.messages.AnnounceConversation(ctx, conv)
	}

	input := message.AppendInput{
		ConversationID:    conv.ID,
		Role:              message.RoleUser,
		Text:              event.Text,
		PlatformMessageID: event.PlatformMessageID,
	}
	if len(event.Attachments) > 0 {
		input.Attachment = &event.Attachments[0]
	}
	msg, conv, err := p.messages.Append(ctx, input)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	p.logger.Debug("inbound message stored",
		slog.String("conversation_id", conv.ID),
		slog.String("channel", string(event.Channel)),
		slog.Bool("new_conversation", created))

	if p.gate != nil {
		if p.syncBot {
			p.gate.MaybeRespond(ctx, conv, msg)
		} else {
			// Detached from the webhook request lifetime; the platform
			// already has its 200 by the time the model answers.
			go func() {
				botCtx, cancel := context.WithTimeout(context.Background(), botReplyTimeout)
				defer cancel()
				p.gate.MaybeRespond(botCtx, conv, msg)
			}()
		}
	}
	return nil
}

// Handler adapts the processor to the connection manager's callback.
func (p *Processor) Handler() channel.InboundHandler {
	return p.Process
}
