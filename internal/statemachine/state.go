package statemachine

import (
	"fmt"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

// State is a proxy delivery mode
type State string

const (
	StateInitial         State = "Initial"
	StateStartupRecovery State = "StartupRecovery"
	StateSynchronize     State = "Synchronize"
	StatePoll            State = "Poll"
	StateSetupWebhook    State = "SetupWebhook"
	StatePollAndWebhook  State = "PollAndWebhook"
	StateWebhook         State = "Webhook"
	StateError           State = "Error"
)

// Receiving reports whether webhook deliveries are processed in s
func (s State) Receiving() bool {
	return s == StatePollAndWebhook || s == StateWebhook
}

// EventKind tags an Event
type EventKind string

const (
	EventStartRecovery      EventKind = "StartRecovery"
	EventRecoveryFailed     EventKind = "RecoveryFailed"
	EventRecoverySucceeded  EventKind = "RecoverySucceeded"
	EventSyncFailed         EventKind = "SyncFailed"
	EventSyncSucceeded      EventKind = "SyncSucceeded"
	EventPollingFailed      EventKind = "PollingFailed"
	EventPollingStopped     EventKind = "PollingStopped"
	EventServiceAvailable   EventKind = "ServiceAvailable"
	EventServiceUnavailable EventKind = "ServiceUnavailable"
	EventWebhookFailed      EventKind = "WebhookFailed"
	EventWebhookValidated   EventKind = "WebhookValidated"
	EventWebhookReady       EventKind = "WebhookReady"
	EventCriticalError      EventKind = "CriticalError"
)

// Event is the input of the machine. Which payload fields are set depends
// on Kind; use the constructors below.
type Event struct {
	Kind        EventKind
	Checkpoint  string
	FailedEvent *models.FailedEvent
	Timestamp   time.Time
	Err         error
}

func StartRecovery() Event           { return Event{Kind: EventStartRecovery} }
func RecoverySucceeded() Event       { return Event{Kind: EventRecoverySucceeded} }
func RecoveryFailed(err error) Event { return Event{Kind: EventRecoveryFailed, Err: err} }
func SyncFailed(err error) Event     { return Event{Kind: EventSyncFailed, Err: err} }
func PollingStopped() Event          { return Event{Kind: EventPollingStopped} }
func WebhookFailed(err error) Event  { return Event{Kind: EventWebhookFailed, Err: err} }
func WebhookValidated() Event        { return Event{Kind: EventWebhookValidated} }
func CriticalError(err error) Event  { return Event{Kind: EventCriticalError, Err: err} }

func SyncSucceeded(checkpoint string) Event {
	return Event{Kind: EventSyncSucceeded, Checkpoint: checkpoint}
}

func ServiceAvailable(checkpoint string) Event {
	return Event{Kind: EventServiceAvailable, Checkpoint: checkpoint}
}

func ServiceUnavailable(checkpoint string) Event {
	return Event{Kind: EventServiceUnavailable, Checkpoint: checkpoint}
}

func PollingFailed(fe *models.FailedEvent, err error) Event {
	return Event{Kind: EventPollingFailed, FailedEvent: fe, Err: err}
}

// WebhookReady carries the creation time of the first file transfer
// delivered by webhook
func WebhookReady(t time.Time) Event {
	return Event{Kind: EventWebhookReady, Timestamp: t}
}

func (e Event) validate() error {
	switch e.Kind {
	case EventSyncSucceeded, EventServiceAvailable, EventServiceUnavailable:
		if e.Checkpoint == "" {
			return fmt.Errorf("%w: %s without checkpoint", ErrInvalidEvent, e.Kind)
		}
	case EventPollingFailed:
		if e.FailedEvent == nil {
			return fmt.Errorf("%w: %s without failed event", ErrInvalidEvent, e.Kind)
		}
	case EventWebhookReady:
		if e.Timestamp.IsZero() {
			return fmt.Errorf("%w: %s without timestamp", ErrInvalidEvent, e.Kind)
		}
	}
	return nil
}
