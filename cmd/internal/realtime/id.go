package realtime

import (
	"time"

	"devicecap/cmd/internal/ids"

	"github.com/google/uuid"
)

// NewConnectionID returns a random id for one WebSocket connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns a ULID so envelope ids sort by time in logs.
// It falls back to a UUID if the entropy source fails.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return uuid.NewString()
	}
	return id
}
