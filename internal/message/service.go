package message

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/realtime"
)

// Service appends messages and broadcasts the results. Every append emits
// `message:new` to both the conversation room and the company room, plus a
// `conversation:view-update` to the company room so inbox lists move
// without refetching.
type Service struct {
	store  Store
	bus    realtime.Bus
	logger *slog.Logger
}

// NewService creates a Service over the given store and bus.
func NewService(store Store, bus realtime.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, bus: bus, logger: log.With(slog.String("component", "messages"))}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() Store { return s.store }

// Append persists the message and broadcasts it. The returned
// conversation reflects post-append unread and activity state. Broadcast
// failures are logged, never surfaced: the write already happened and
// clients reconcile by paginating.
func (s *Service) Append(ctx context.Context, input AppendInput) (Message, conversation.Conversation, error) {
	msg, conv, err := s.store.Append(ctx, input)
	if err != nil {
		return Message{}, conversation.Conversation{}, fmt.Errorf("append message: %w", err)
	}

	s.publish(ctx, realtime.ConversationRoom(conv.ID), realtime.NewEvent(realtime.EventMessageNew, msg))
	s.publish(ctx, realtime.CompanyRoom(conv.CompanyID), realtime.NewEvent(realtime.EventMessageNew, msg))

	kind := realtime.ViewNewMessage
	if input.Role != RoleUser {
		kind = realtime.ViewMessageSent
	}
	s.publish(ctx, realtime.CompanyRoom(conv.CompanyID), realtime.NewEvent(realtime.EventViewUpdate, realtime.ViewUpdate{
		Kind:           kind,
		ConversationID: conv.ID,
		Conversation:   conv,
	}))
	return msg, conv, nil
}

// AnnounceConversation broadcasts a newly created conversation to the
// company room.
func (s *Service) AnnounceConversation(ctx context.Context, conv conversation.Conversation) {
	s.publish(ctx, realtime.CompanyRoom(conv.CompanyID), realtime.NewEvent(realtime.EventViewUpdate, realtime.ViewUpdate{
		Kind:           realtime.ViewNewConversation,
		ConversationID: conv.ID,
		Conversation:   conv,
	}))
}

// AnnounceBotStatus broadcasts an auto-reply toggle so open inbox views
// update the bot indicator.
func (s *Service) AnnounceBotStatus(ctx context.Context, conv conversation.Conversation) {
	s.publish(ctx, realtime.CompanyRoom(conv.CompanyID), realtime.NewEvent(realtime.EventViewUpdate, realtime.ViewUpdate{
		Kind:           realtime.ViewBotStatusChanged,
		ConversationID: conv.ID,
		Conversation:   conv,
	}))
}

// RecordDeliveryFailure flags the message row and tells the conversation
// room the send did not reach the platform.
func (s *Service) RecordDeliveryFailure(ctx context.Context, msg Message, reason string) {
	if err := s.store.MarkDeliveryFailed(ctx, msg.ID, reason); err != nil {
		s.logger.Error("mark delivery failed",
			slog.String("message_id", msg.ID),
			slog.Any("error", err))
	}
	msg.DeliveryFailed = true
	msg.DeliveryError = reason
	s.publish(ctx, realtime.ConversationRoom(msg.ConversationID),
		realtime.NewEvent(realtime.EventMessageSendFailed, msg))
}

// RecordPlatformMessageID stores the platform's id after a successful
// send.
func (s *Service) RecordPlatformMessageID(ctx context.Context, msg Message, platformMessageID string) {
	if platformMessageID == "" {
		return
	}
	if err := s.store.SetPlatformMessageID(ctx, msg.ID, platformMessageID); err != nil {
		s.logger.Error("record platform message id",
			slog.String("message_id", msg.ID),
			slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, room string, event realtime.Event) {
	if err := s.bus.Publish(ctx, room, event); err != nil {
		s.logger.Warn("broadcast failed",
			slog.String("room", room),
			slog.String("event", string(event.Type)),
			slog.Any("error", err))
	}
}
