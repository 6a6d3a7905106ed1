package secrets

import (
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()
	box, err := NewBox("test-key")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	sealed, err := box.Seal([]byte("page-access-token"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != "page-access-token" {
		t.Fatalf("Open = %q, want %q", opened, "page-access-token")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()
	box, err := NewBox("test-key")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	sealed, err := box.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := box.Open(sealed); err == nil {
		t.Fatal("Open accepted tampered ciphertext")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	t.Parallel()
	box, _ := NewBox("key-a")
	other, _ := NewBox("key-b")
	sealed, err := box.SealMap(map[string]string{"bot_token": "123:abc"})
	if err != nil {
		t.Fatalf("SealMap: %v", err)
	}
	if _, err := other.OpenMap(sealed); err == nil {
		t.Fatal("OpenMap accepted ciphertext sealed with another key")
	}
}

func TestSealMapRoundTrip(t *testing.T) {
	t.Parallel()
	box, err := NewBox("test-key")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	in := map[string]string{
		"page_id":      "1234",
		"access_token": "EAAB...",
		"app_secret":   "shh",
	}
	sealed, err := box.SealMap(in)
	if err != nil {
		t.Fatalf("SealMap: %v", err)
	}
	out, err := box.OpenMap(sealed)
	if err != nil {
		t.Fatalf("OpenMap: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("OpenMap returned %d entries, want %d", len(out), len(in))
	}
	for k, v := range in {
		if out[k] != v {
			t.Fatalf("OpenMap[%q] = %q, want %q", k, out[k], v)
		}
	}
}

func TestNewBoxRequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := NewBox("  "); err == nil {
		t.Fatal("NewBox accepted an empty key")
	}
}
