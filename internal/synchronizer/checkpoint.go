package synchronizer

import (
	"context"
	"errors"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/db"
)

// firstEvent makes the broker return the feed from its beginning
const firstEvent = "0"

// EventStore reads the newest stored event
type EventStore interface {
	NewestEventID(ctx context.Context) (string, error)
}

// StartCheckpoint resolves where synchronization starts: the configured
// event, else the newest stored event, else the beginning of the feed.
func StartCheckpoint(ctx context.Context, configured string, store EventStore) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := store.NewestEventID(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return firstEvent, nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Checkpoints answers the last checkpoint for health transitions
type Checkpoints struct {
	Store EventStore
	Start string
}

// Last returns the newest stored event id, falling back to the start
// checkpoint when nothing is stored or the lookup fails
func (c *Checkpoints) Last(ctx context.Context) string {
	id, err := c.Store.NewestEventID(ctx)
	if err != nil || id == "" {
		if c.Start == "" {
			return firstEvent
		}
		return c.Start
	}
	return id
}
