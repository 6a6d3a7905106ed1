package cursor_test

import (
	"errors"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/cursor"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.UTC)
	c := cursor.Encode(ts, "1047")

	gotTime, gotKey, err := cursor.Decode(c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !gotTime.Equal(ts) {
		t.Fatalf("time = %v, want %v", gotTime, ts)
	}
	if gotKey != "1047" {
		t.Fatalf("key = %q, want %q", gotKey, "1047")
	}
}

func TestKeyMayContainSeparator(t *testing.T) {
	t.Parallel()

	ts := time.Now().UTC().Truncate(time.Millisecond)
	_, gotKey, err := cursor.Decode(cursor.Encode(ts, "a|b"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotKey != "a|b" {
		t.Fatalf("key = %q", gotKey)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"not base64!!", "bm8gc2VwYXJhdG9y", ""} {
		if _, _, err := cursor.Decode(bad); !errors.Is(err, cursor.ErrInvalid) {
			t.Fatalf("Decode(%q) err = %v, want ErrInvalid", bad, err)
		}
	}
}
