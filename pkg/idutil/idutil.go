// Package idutil provides opaque ID generation and timestamp helpers shared
// across the store, alerting and detector packages.
package idutil

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// NewID returns an opaque 128-bit unique identifier rendered as 32 hex
// characters.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is fatal-grade on any real host; fall back to
		// a timestamp-derived id rather than panicking the caller.
		return hex.EncodeToString([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(buf)
}

// NowUTC returns the current time truncated to millisecond precision in UTC.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FormatRFC3339 renders t in UTC using the Z-suffixed RFC-3339 form.
func FormatRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseRFC3339 parses an RFC-3339 timestamp, accepting both the "Z" suffix
// and explicit "+00:00" offset forms.
func ParseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
