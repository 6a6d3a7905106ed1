package channel

import (
	"time"
)

// ChannelType identifies a messaging platform.
type ChannelType string

const (
	ChannelFacebook  ChannelType = "facebook"
	ChannelInstagram ChannelType = "instagram"
	ChannelTelegram  ChannelType = "telegram"
	ChannelWidget    ChannelType = "widget"
)

// Valid reports whether t is one of the supported channel types.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelFacebook, ChannelInstagram, ChannelTelegram, ChannelWidget:
		return true
	}
	return false
}

// Types lists all supported channel types.
func Types() []ChannelType {
	return []ChannelType{ChannelFacebook, ChannelInstagram, ChannelTelegram, ChannelWidget}
}

// Well-known keys for CustomerProfile.Attributes.
const (
	AttrTelegramUsername = "telegram_username"
	AttrInstagramHandle  = "instagram_handle"
	AttrLocale           = "locale"
	AttrTimezone         = "timezone"
)

// CustomerProfile carries whatever identity details the platform exposes
// about the customer. All fields are optional.
type CustomerProfile struct {
	Name       string            `json:"name,omitempty"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Address    string            `json:"address,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attachment is a media item attached to a message, referenced by URL.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// InboundEvent is a platform message normalized into the shape the rest
// of the system understands. CustomerID is the platform-scoped sender
// identifier (PSID, IGSID, Telegram chat ID or widget session ID).
type InboundEvent struct {
	Channel           ChannelType     `json:"channel"`
	ConnectionID      string          `json:"connection_id"`
	CustomerID        string          `json:"customer_id"`
	Profile           CustomerProfile `json:"profile"`
	Text              string          `json:"text"`
	Attachments       []Attachment    `json:"attachments,omitempty"`
	PlatformMessageID string          `json:"platform_message_id,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// OutboundMessage is a reply to deliver to a customer on their platform.
type OutboundMessage struct {
	CustomerID  string       `json:"customer_id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendResult reports the platform's acknowledgement of a delivered message.
type SendResult struct {
	PlatformMessageID string `json:"platform_message_id,omitempty"`
}

// ConnectionConfig is a configured instance of a channel for one company,
// for example a single Facebook page or Telegram bot. Credentials hold
// the platform secrets and are stored encrypted at rest.
type ConnectionConfig struct {
	ID               string            `json:"id"`
	CompanyID        string            `json:"company_id"`
	Channel          ChannelType       `json:"channel"`
	Name             string            `json:"name"`
	Credentials      map[string]string `json:"-"`
	AutoReplyDefault bool              `json:"auto_reply_default"`
	Enabled          bool              `json:"enabled"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}
