package realtime

import (
	"time"

	"noogle/cmd/internal/ids"
)

// NewConnID returns a ULID used as the connection id in logs and the registry.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
