package channel

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
)

// InboundHandler receives normalized events from an adapter. Adapters call
// it once per inbound platform message.
type InboundHandler func(ctx context.Context, cfg ConnectionConfig, event InboundEvent) error

// Descriptor describes an adapter for configuration UIs and validation.
type Descriptor struct {
	Type             ChannelType `json:"type"`
	DisplayName      string      `json:"display_name"`
	CredentialFields []string    `json:"credential_fields,omitempty"`
	SupportsPresence bool        `json:"supports_presence"`
}

// Adapter is the minimal contract every channel implementation satisfies.
// Optional capabilities are expressed as further interfaces below; callers
// type-assert through the registry rather than on the adapter directly.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Sender delivers outbound messages to the platform.
type Sender interface {
	Adapter
	Send(ctx context.Context, cfg ConnectionConfig, msg OutboundMessage) (SendResult, error)
}

// Receiver maintains a long-lived connection that pulls events from the
// platform, such as Telegram long polling. Connect returns once the
// connection is established; events arrive on the handler until the
// connection is stopped.
type Receiver interface {
	Adapter
	Connect(ctx context.Context, cfg ConnectionConfig, handler InboundHandler) (Connection, error)
}

// WebhookAdapter handles platforms that push events over HTTP.
// VerifyWebhook authenticates the request before the body is trusted;
// ParseWebhook turns the payload into zero or more normalized events.
type WebhookAdapter interface {
	Adapter
	VerifyWebhook(cfg ConnectionConfig, r *http.Request, body []byte) error
	ParseWebhook(cfg ConnectionConfig, body []byte) ([]InboundEvent, error)
}

// CredentialNormalizer validates and canonicalizes credentials before a
// connection config is persisted.
type CredentialNormalizer interface {
	NormalizeCredentials(raw map[string]string) (map[string]string, error)
}

// Connection is a running receiver connection.
type Connection interface {
	ConfigID() string
	Running() bool
	Stop()
}

// BaseConnection implements Connection bookkeeping for receiver adapters.
type BaseConnection struct {
	configID string
	running  atomic.Bool
	stopOnce sync.Once
	stop     func()
}

// NewBaseConnection returns a running connection whose Stop invokes the
// given function exactly once.
func NewBaseConnection(configID string, stop func()) *BaseConnection {
	c := &BaseConnection{configID: configID, stop: stop}
	c.running.Store(true)
	return c
}

func (c *BaseConnection) ConfigID() string { return c.configID }

func (c *BaseConnection) Running() bool { return c.running.Load() }

func (c *BaseConnection) Stop() {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		if c.stop != nil {
			c.stop()
		}
	})
}
