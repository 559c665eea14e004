// Package ids provides identifier primitives (ULID) used for client session ids.
package ids

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars): a millisecond timestamp
// followed by 80 bits of randomness.
func NewULID(now time.Time) (string, error) {
	return NewULIDFrom(now, rand.Reader)
}

// NewULIDFrom is NewULID with an explicit entropy source.
func NewULIDFrom(now time.Time, entropy io.Reader) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Time extracts the embedded timestamp of a ULID string.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()).UTC(), true
}
