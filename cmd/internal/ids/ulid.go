// Package ids provides identifier primitives (ULID) used for envelopes, gateway
// sessions and optimistic message ids.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps log correlation readable.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot propagate an error.
// crypto/rand failures are treated as unrecoverable.
func MustULID() string {
	id, err := NewULID(time.Time{})
	if err != nil {
		panic(err)
	}
	return id
}

// PendingMessageID returns a local id for a message the authority has not assigned yet.
func PendingMessageID() string {
	return "pending_" + MustULID()
}
