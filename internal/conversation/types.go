// Package conversation owns conversation threads and the resolver that
// maps inbound customer identities onto them. A customer identity has at
// most one open-or-snoozed conversation at a time; closed conversations
// stay behind as history and a later message starts a fresh thread.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusOpen    Status = "open"
	StatusSnoozed Status = "snoozed"
	StatusClosed  Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusSnoozed, StatusClosed:
		return true
	}
	return false
}

// Active reports whether the status counts toward the one-active-thread
// rule.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusSnoozed
}

// Identity is the platform-scoped customer identity a conversation is
// keyed by.
type Identity struct {
	Channel      channel.ChannelType
	ConnectionID string
	CustomerID   string
}

// Key returns a stable string form used for lock sharding.
func (i Identity) Key() string {
	return string(i.Channel) + "|" + i.ConnectionID + "|" + i.CustomerID
}

// Conversation is one thread between a customer and the company.
type Conversation struct {
	ID               string                  `json:"id"`
	CompanyID        string                  `json:"company_id"`
	ConnectionID     string                  `json:"connection_id"`
	Channel          channel.ChannelType     `json:"channel"`
	CustomerID       string                  `json:"customer_id"`
	Status           Status                  `json:"status"`
	AutoReplyEnabled bool                    `json:"auto_reply_enabled"`
	UnreadCount      int                     `json:"unread_count"`
	LastMessageAt    time.Time               `json:"last_message_at"`
	Customer         channel.CustomerProfile `json:"customer"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// Identity returns the customer identity key of the conversation.
func (c Conversation) Identity() Identity {
	return Identity{Channel: c.Channel, ConnectionID: c.ConnectionID, CustomerID: c.CustomerID}
}

// CreateParams creates a new open conversation.
type CreateParams struct {
	CompanyID        string
	Identity         Identity
	AutoReplyEnabled bool
	Profile          channel.CustomerProfile
}

// ListQuery selects a page of a company's inbox, most recent activity
// first. Status and Channel are optional filters.
type ListQuery struct {
	CompanyID string
	Status    Status
	Channel   channel.ChannelType
	Cursor    string
	Limit     int
}

// Page is one inbox page. NextCursor is empty on the last page.
type Page struct {
	Conversations []Conversation `json:"conversations"`
	NextCursor    string         `json:"next_cursor,omitempty"`
}

var (
	// ErrNotFound indicates no conversation matches.
	ErrNotFound = errors.New("conversation not found")
	// ErrActiveExists indicates a concurrent create won the race for the
	// identity's single active slot.
	ErrActiveExists = errors.New("active conversation already exists")
)

// Store is the persistence surface for conversations.
type Store interface {
	FindActive(ctx context.Context, identity Identity) (Conversation, error)
	Create(ctx context.Context, params CreateParams) (Conversation, error)
	Get(ctx context.Context, id string) (Conversation, error)
	SetStatus(ctx context.Context, id string, status Status) (Conversation, error)
	SetAutoReply(ctx context.Context, id string, enabled bool) (Conversation, error)
	MarkRead(ctx context.Context, id string) (Conversation, error)
	UpdateProfile(ctx context.Context, id string, profile channel.CustomerProfile) error
	List(ctx context.Context, query ListQuery) (Page, error)
}
