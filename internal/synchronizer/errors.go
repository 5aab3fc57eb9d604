package synchronizer

import (
	"errors"
	"fmt"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

// ErrPollLoopRunning is returned when a poll loop is started while one runs
var ErrPollLoopRunning = errors.New("poll loop already running")

// SyncFailedError reports the last event that synced before a failure
type SyncFailedError struct {
	Checkpoint string
	EventID    string
	Err        error
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("sync failed at event %s (checkpoint %s): %v", e.EventID, e.Checkpoint, e.Err)
}

func (e *SyncFailedError) Unwrap() error {
	return e.Err
}

// PollFailedError names the event a poll pass failed on and the event
// before it, which is where recovery resumes
type PollFailedError struct {
	FailedEventID    string
	PrecedingEventID string
	Err              error
}

func (e *PollFailedError) Error() string {
	return fmt.Sprintf("poll failed at event %s (after %s): %v", e.FailedEventID, e.PrecedingEventID, e.Err)
}

func (e *PollFailedError) Unwrap() error {
	return e.Err
}

// FailedEvent builds the ledger row for the failure
func (e *PollFailedError) FailedEvent(proxyState string) *models.FailedEvent {
	return &models.FailedEvent{
		FailedEventID:    e.FailedEventID,
		PrecedingEventID: e.PrecedingEventID,
		ProxyState:       proxyState,
	}
}
