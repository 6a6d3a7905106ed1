// Package outbound is the reply path: agent and bot messages are
// persisted first, then handed to the channel adapter for platform
// delivery. A platform rejection never loses the message; the row is
// flagged failed and agents see it in the thread.
package outbound

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/message"
)

// ReplyInput describes an outbound reply.
type ReplyInput struct {
	Conversation conversation.Conversation
	Text         string
	Attachment   *channel.Attachment
	// Agent fields; leave empty for bot replies.
	AgentID   string
	AgentName string
}

// Sender appends a reply and delivers it through the conversation's
// channel adapter.
type Sender struct {
	registry *channel.Registry
	configs  channel.ConfigGetter
	messages *message.Service
	logger   *slog.Logger
}

// NewSender creates a Sender.
func NewSender(registry *channel.Registry, configs channel.ConfigGetter, messages *message.Service, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		registry: registry,
		configs:  configs,
		messages: messages,
		logger:   log.With(slog.String("component", "outbound")),
	}
}

// SendAsAgent appends and delivers an agent reply.
func (s *Sender) SendAsAgent(ctx context.Context, input ReplyInput) (message.Message, error) {
	if input.AgentID == "" {
		return message.Message{}, fmt.Errorf("agent id is required")
	}
	return s.send(ctx, input, message.RoleAgent)
}

// SendAsBot appends and delivers an auto-responder reply.
func (s *Sender) SendAsBot(ctx context.Context, conv conversation.Conversation, text string) (message.Message, error) {
	return s.send(ctx, ReplyInput{Conversation: conv, Text: text}, message.RoleBot)
}

func (s *Sender) send(ctx context.Context, input ReplyInput, role message.Role) (message.Message, error) {
	conv := input.Conversation
	if input.Text == "" && input.Attachment == nil {
		return message.Message{}, fmt.Errorf("reply is empty")
	}

	msg, conv, err := s.messages.Append(ctx, message.AppendInput{
		ConversationID: conv.ID,
		Role:           role,
		Text:           input.Text,
		Attachment:     input.Attachment,
		SenderAgentID:  input.AgentID,
		SenderName:     input.AgentName,
	})
	if err != nil {
		return message.Message{}, err
	}

	sender, ok := s.registry.Sender(conv.Channel)
	if !ok {
		reason := fmt.Sprintf("channel %s cannot send", conv.Channel)
		s.messages.RecordDeliveryFailure(ctx, msg, reason)
		return msg, fmt.Errorf("%s", reason)
	}
	cfg, err := s.configs.Get(ctx, conv.ConnectionID)
	if err != nil {
		s.messages.RecordDeliveryFailure(ctx, msg, "connection unavailable")
		return msg, fmt.Errorf("load connection %s: %w", conv.ConnectionID, err)
	}

	out := channel.OutboundMessage{CustomerID: conv.CustomerID, Text: input.Text}
	if input.Attachment != nil {
		out.Attachments = []channel.Attachment{*input.Attachment}
	}
	result, err := sender.Send(ctx, cfg, out)
	if err != nil {
		s.logger.Warn("platform delivery failed",
			slog.String("conversation_id", conv.ID),
			slog.String("channel", string(conv.Channel)),
			slog.Any("error", err))
		s.messages.RecordDeliveryFailure(ctx, msg, err.Error())
		return msg, nil
	}
	s.messages.RecordPlatformMessageID(ctx, msg, result.PlatformMessageID)
	msg.PlatformMessageID = result.PlatformMessageID
	return msg, nil
}
