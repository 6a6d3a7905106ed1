// Package cursor encodes opaque pagination cursors. A cursor pairs the
// sort timestamp of the last row on a page with a tie-break key, so the
// next query can resume with a strict keyset condition instead of OFFSET.
package cursor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid indicates a cursor string the server did not issue.
var ErrInvalid = errors.New("invalid cursor")

// Encode packs a timestamp and tie-break key into an opaque string.
func Encode(ts time.Time, key string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + key
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor produced by Encode.
func Decode(s string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	ts, key, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", ErrInvalid
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return parsed, key, nil
}
