package channel_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/relaydesk/relaydesk/internal/channel"
)

type mockAdapter struct {
	channelType channel.ChannelType
}

func (a *mockAdapter) Type() channel.ChannelType { return a.channelType }

func (a *mockAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: a.channelType, DisplayName: string(a.channelType)}
}

type mockSender struct {
	mockAdapter
	sent []channel.OutboundMessage
}

func (a *mockSender) Send(ctx context.Context, cfg channel.ConnectionConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	a.sent = append(a.sent, msg)
	return channel.SendResult{PlatformMessageID: "m-1"}, nil
}

type mockNormalizer struct {
	mockAdapter
}

func (a *mockNormalizer) NormalizeCredentials(raw map[string]string) (map[string]string, error) {
	token, ok := raw["token"]
	if !ok || token == "" {
		return nil, fmt.Errorf("token is required")
	}
	return map[string]string{"token": token}, nil
}

func TestRegistryRegister(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	if err := reg.Register(&mockAdapter{channelType: channel.ChannelWidget}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(&mockAdapter{channelType: channel.ChannelWidget}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := reg.Register(&mockAdapter{channelType: "smoke-signal"}); err == nil {
		t.Fatalf("expected unknown channel type error")
	}
	if err := reg.Register(nil); err == nil {
		t.Fatalf("expected nil adapter error")
	}
}

func TestRegistryCapabilities(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&mockSender{mockAdapter: mockAdapter{channelType: channel.ChannelTelegram}})
	reg.MustRegister(&mockAdapter{channelType: channel.ChannelWidget})

	if _, ok := reg.Sender(channel.ChannelTelegram); !ok {
		t.Fatalf("expected telegram sender capability")
	}
	if _, ok := reg.Sender(channel.ChannelWidget); ok {
		t.Fatalf("widget mock should not expose sender capability")
	}
	if _, ok := reg.Receiver(channel.ChannelTelegram); ok {
		t.Fatalf("sender mock should not expose receiver capability")
	}
	if _, ok := reg.Webhook(channel.ChannelFacebook); ok {
		t.Fatalf("unregistered type should have no webhook capability")
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&mockAdapter{channelType: channel.ChannelWidget})
	reg.MustRegister(&mockAdapter{channelType: channel.ChannelFacebook})
	reg.MustRegister(&mockAdapter{channelType: channel.ChannelTelegram})

	got := reg.Types()
	want := []channel.ChannelType{channel.ChannelFacebook, channel.ChannelTelegram, channel.ChannelWidget}
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Types() = %v, want %v", got, want)
		}
	}
}

func TestNormalizeCredentials(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&mockNormalizer{mockAdapter: mockAdapter{channelType: channel.ChannelTelegram}})
	reg.MustRegister(&mockAdapter{channelType: channel.ChannelWidget})

	if _, err := reg.NormalizeCredentials(channel.ChannelTelegram, map[string]string{}); err == nil {
		t.Fatalf("expected missing token error")
	}
	creds, err := reg.NormalizeCredentials(channel.ChannelTelegram, map[string]string{"token": "abc", "junk": "x"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(creds) != 1 || creds["token"] != "abc" {
		t.Fatalf("unexpected credentials: %v", creds)
	}

	// No normalizer registered: passthrough.
	raw := map[string]string{"anything": "goes"}
	creds, err = reg.NormalizeCredentials(channel.ChannelWidget, raw)
	if err != nil {
		t.Fatalf("normalize passthrough: %v", err)
	}
	if creds["anything"] != "goes" {
		t.Fatalf("expected passthrough credentials, got %v", creds)
	}

	if _, err := reg.NormalizeCredentials(channel.ChannelInstagram, raw); err == nil {
		t.Fatalf("expected unknown channel type error")
	}
}
