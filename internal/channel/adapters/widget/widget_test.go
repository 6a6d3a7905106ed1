package widget_test

import (
	"testing"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/widget"
)

func TestNormalizeCredentials(t *testing.T) {
	t.Parallel()

	a := widget.New()
	creds, err := a.NormalizeCredentials(map[string]string{
		widget.CredAllowedOrigins: " https://shop.example , https://www.shop.example ",
		"junk":                    "dropped",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if creds[widget.CredAllowedOrigins] != "https://shop.example,https://www.shop.example" {
		t.Fatalf("origins = %q", creds[widget.CredAllowedOrigins])
	}
	if len(creds) != 1 {
		t.Fatalf("expected unknown keys dropped, got %v", creds)
	}

	creds, err = a.NormalizeCredentials(map[string]string{})
	if err != nil {
		t.Fatalf("normalize empty: %v", err)
	}
	if len(creds) != 0 {
		t.Fatalf("expected empty credentials, got %v", creds)
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	open := channel.ConnectionConfig{Credentials: map[string]string{}}
	if !widget.OriginAllowed(open, "https://anywhere.example") {
		t.Fatalf("empty allow list should admit every origin")
	}

	restricted := channel.ConnectionConfig{Credentials: map[string]string{
		widget.CredAllowedOrigins: "https://shop.example,https://www.shop.example",
	}}
	if !widget.OriginAllowed(restricted, "https://shop.example") {
		t.Fatalf("listed origin should be allowed")
	}
	if !widget.OriginAllowed(restricted, "HTTPS://SHOP.EXAMPLE") {
		t.Fatalf("origin match should be case insensitive")
	}
	if widget.OriginAllowed(restricted, "https://evil.example") {
		t.Fatalf("unlisted origin should be rejected")
	}
}
