// Package realtime fans events out to everyone watching a room. Agents
// watch their company room plus the conversations they have open; widget
// customers watch their own conversation room. Delivery is best-effort
// at-most-once: clients that miss events reconcile through pagination on
// reconnect.
package realtime

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names a realtime event.
type EventType string

const (
	EventMessageNew        EventType = "message:new"
	EventMessageSendFailed EventType = "message:send-failed"
	EventViewUpdate        EventType = "conversation:view-update"
	EventCustomerOnline    EventType = "customer:online"
	EventCustomerHeartbeat EventType = "customer:heartbeat"
	EventCustomerOffline   EventType = "customer:offline"
)

// Event is one realtime notification.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Room string    `json:"room,omitempty"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// NewEvent creates an Event stamped with a fresh id and the current time.
func NewEvent(eventType EventType, data any) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Time: time.Now().UTC(),
		Data: data,
	}
}

// ViewUpdateKind describes what changed about a conversation.
type ViewUpdateKind string

const (
	ViewNewMessage       ViewUpdateKind = "new_message"
	ViewMessageSent      ViewUpdateKind = "message_sent"
	ViewBotStatusChanged ViewUpdateKind = "bot_status_changed"
	ViewNewConversation  ViewUpdateKind = "new_conversation"
	ViewTypingOn         ViewUpdateKind = "typing_on"
	ViewTypingOff        ViewUpdateKind = "typing_off"
)

// ViewUpdate is the payload of EventViewUpdate. Conversation carries the
// post-change conversation snapshot where one exists.
type ViewUpdate struct {
	Kind           ViewUpdateKind `json:"kind"`
	ConversationID string         `json:"conversation_id"`
	Conversation   any            `json:"conversation,omitempty"`
}

// CustomerPresence is the payload of the customer presence events.
type CustomerPresence struct {
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	At             time.Time `json:"at"`
}

// CompanyRoom is the room every agent of a company joins on connect.
func CompanyRoom(companyID string) string {
	return "company:" + companyID
}

// ConversationRoom is the room for one conversation's detail view.
func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}

// RoutingKey maps a room to an AMQP topic routing key.
func RoutingKey(room string) string {
	return strings.ReplaceAll(room, ":", ".")
}
