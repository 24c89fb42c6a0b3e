package realtime

import (
	"time"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return NewRandomHex(13)
	}
	return id
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by time, which keeps envelope ids readable in logs.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return NewRandomHex(13)
	}
	return id
}
