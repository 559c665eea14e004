package realtime

import (
	"time"

	"goldvision/cmd/identity/ids"
)

// newEnvelopeID returns a ULID, falling back to "" when entropy fails.
// Envelope ids are informational on the client side.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
