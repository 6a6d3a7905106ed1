// Package message is the append-only message store. Appends run together
// with the conversation's unread-count and activity bookkeeping so the
// inbox never needs to recount rows.
package message

import (
	"context"
	"errors"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/conversation"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleBot   Role = "bot"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleBot:
		return true
	}
	return false
}

// Message is one entry in a conversation. Seq breaks ordering ties
// between messages created in the same instant.
type Message struct {
	ID                string              `json:"id"`
	ConversationID    string              `json:"conversation_id"`
	Role              Role                `json:"role"`
	Text              string              `json:"text"`
	Attachment        *channel.Attachment `json:"attachment,omitempty"`
	SenderAgentID     string              `json:"sender_agent_id,omitempty"`
	SenderName        string              `json:"sender_name,omitempty"`
	PlatformMessageID string              `json:"platform_message_id,omitempty"`
	DeliveryFailed    bool                `json:"delivery_failed,omitempty"`
	DeliveryError     string              `json:"delivery_error,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	Seq               int64               `json:"seq"`
}

// AppendInput describes a message to append.
type AppendInput struct {
	ConversationID    string
	Role              Role
	Text              string
	Attachment        *channel.Attachment
	SenderAgentID     string
	SenderName        string
	PlatformMessageID string
}

// Page is one page of a conversation's history, newest first. NextCursor
// is empty once the oldest message has been served.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// ErrNotFound indicates no message matches.
var ErrNotFound = errors.New("message not found")

// Store is the persistence surface for messages. Append atomically
// updates the owning conversation and returns its post-append state.
type Store interface {
	Append(ctx context.Context, input AppendInput) (Message, conversation.Conversation, error)
	ListBefore(ctx context.Context, conversationID, cur string, limit int) (Page, error)
	ListRecent(ctx context.Context, conversationID string, limit int) ([]Message, error)
	MarkDeliveryFailed(ctx context.Context, id, reason string) error
	SetPlatformMessageID(ctx context.Context, id, platformMessageID string) error
}
