// Package uuidv7 issues time-ordered identifiers for leases and requests.
package uuidv7

import (
	"time"

	"github.com/google/uuid"
)

// NewString returns a fresh UUIDv7 in canonical form. It panics only if the
// system random source fails.
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Issued extracts the embedded millisecond timestamp from a UUIDv7 string.
func Issued(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
