// Package widget implements the embedded web chat channel adapter.
// Unlike the platform adapters there is no external API to call: widget
// customers hold a websocket subscription on their conversation room, so
// outbound delivery is complete once the message is broadcast.
package widget

import (
	"context"
	"strings"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// Type is the channel type handled by this adapter.
const Type = channel.ChannelWidget

// CredAllowedOrigins optionally restricts which page origins may start
// widget sessions, as a comma separated list.
const CredAllowedOrigins = "allowed_origins"

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Type() channel.ChannelType { return Type }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:             Type,
		DisplayName:      "Web Widget",
		CredentialFields: []string{CredAllowedOrigins},
		SupportsPresence: true,
	}
}

// NormalizeCredentials keeps only the allowed origins list, trimming
// whitespace around each entry.
func (a *Adapter) NormalizeCredentials(raw map[string]string) (map[string]string, error) {
	out := map[string]string{}
	if origins := strings.TrimSpace(raw[CredAllowedOrigins]); origins != "" {
		parts := strings.Split(origins, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		out[CredAllowedOrigins] = strings.Join(parts, ",")
	}
	return out, nil
}

// OriginAllowed reports whether a page origin may use this connection.
// An empty allow list admits every origin.
func OriginAllowed(cfg channel.ConnectionConfig, origin string) bool {
	allowed := strings.TrimSpace(cfg.Credentials[CredAllowedOrigins])
	if allowed == "" {
		return true
	}
	origin = strings.TrimSpace(origin)
	for _, entry := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimSpace(entry), origin) {
			return true
		}
	}
	return false
}

// Send is a no-op acknowledgement. The realtime layer broadcasts the
// message to the customer's conversation room; there is no third-party
// delivery step that can fail.
func (a *Adapter) Send(ctx context.Context, cfg channel.ConnectionConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	return channel.SendResult{}, nil
}
