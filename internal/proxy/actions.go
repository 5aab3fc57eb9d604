package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/statemachine"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/synchronizer"
)

// Poller is the synchronizer as seen by the state machine effects
type Poller interface {
	Recover(ctx context.Context) error
	Sync(ctx context.Context, start string) (string, error)
	StartPolling(group synchronizer.Spawner, start string, done func(err error)) error
	StopPollingAt(t time.Time)
	ClearWatermark()
}

// Group is the process task group
type Group interface {
	synchronizer.Spawner
	Context() context.Context
}

// Machine receives the events the effects produce
type Machine interface {
	Current() statemachine.State
	Send(ev statemachine.Event) error
}

// FailedEventStore persists the failed-event ledger
type FailedEventStore interface {
	SaveFailedEvent(ctx context.Context, fe *models.FailedEvent) error
}

// Subscriber (re)creates the broker push subscriptions
type Subscriber interface {
	Setup(ctx context.Context) error
}

// Readiness is reset each time webhook delivery is set up again
type Readiness interface {
	ResetReadiness()
}

// Actions implements the state machine effects on top of the
// synchronizer, the ledger and the webhook subscriptions
type Actions struct {
	Poller        Poller
	Ledger        FailedEventStore
	Subscriptions Subscriber
	Readiness     Readiness
	Machine       Machine
	Group         Group
	Logger        *logging.Logger

	// Start is the checkpoint startup synchronization begins at
	Start string
	// Checkpoint returns the newest checkpoint when polling restarts
	Checkpoint func(ctx context.Context) string

	RecoveryMaxAttempts int
	RecoveryRetryDelay  time.Duration

	mu               sync.Mutex
	recoveryAttempts int
}

var _ statemachine.Effects = (*Actions)(nil)

// Recover replays the failed-event ledger
func (a *Actions) Recover(ctx context.Context) error {
	a.mu.Lock()
	a.recoveryAttempts++
	attempt := a.recoveryAttempts
	a.mu.Unlock()

	a.Logger.Info("Recovering previously failed events", map[string]interface{}{"attempt": attempt})
	if err := a.Poller.Recover(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		a.Logger.Error("Startup recovery failed", err, map[string]interface{}{"attempt": attempt})
		return a.send(statemachine.RecoveryFailed(err))
	}
	return a.send(statemachine.RecoverySucceeded())
}

// RetryRecovery runs Recover again after a delay until the attempts are
// used up, which is critical
func (a *Actions) RetryRecovery(ctx context.Context, cause error) error {
	a.mu.Lock()
	attempts := a.recoveryAttempts
	a.mu.Unlock()

	limit := a.RecoveryMaxAttempts
	if limit < 1 {
		limit = 1
	}
	if attempts >= limit {
		return fmt.Errorf("startup recovery failed after %d attempts: %w", attempts, cause)
	}

	if a.RecoveryRetryDelay > 0 {
		timer := time.NewTimer(a.RecoveryRetryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
	return a.Recover(ctx)
}

// Sync replays the feed from the start checkpoint
func (a *Actions) Sync(ctx context.Context) error {
	checkpoint, err := a.Poller.Sync(ctx, a.Start)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return a.send(statemachine.SyncFailed(err))
	}
	return a.send(statemachine.SyncSucceeded(checkpoint))
}

// StartPolling starts the poll loop from checkpoint unless one is running
func (a *Actions) StartPolling(_ context.Context, checkpoint string) error {
	err := a.Poller.StartPolling(a.Group, checkpoint, a.pollDone)
	if errors.Is(err, synchronizer.ErrPollLoopRunning) {
		return nil
	}
	return err
}

// SetupWebhook keeps polling from checkpoint while the subscriptions are
// created. Validation by the broker moves the machine on.
func (a *Actions) SetupWebhook(ctx context.Context, checkpoint string) error {
	a.Readiness.ResetReadiness()
	if err := a.StartPolling(ctx, checkpoint); err != nil {
		return err
	}

	if err := a.Subscriptions.Setup(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return a.send(statemachine.WebhookFailed(err))
	}
	return nil
}

// StopPollingAt hands over to the webhook at t
func (a *Actions) StopPollingAt(_ context.Context, t time.Time) error {
	a.Poller.StopPollingAt(t)
	return nil
}

// EnsurePolling returns to polling without a watermark
func (a *Actions) EnsurePolling(ctx context.Context, checkpoint string) error {
	a.Poller.ClearWatermark()
	return a.StartPolling(ctx, checkpoint)
}

// PersistFailedEvent writes the failed event to the ledger
func (a *Actions) PersistFailedEvent(ctx context.Context, fe *models.FailedEvent) error {
	if err := a.Ledger.SaveFailedEvent(ctx, fe); err != nil {
		return fmt.Errorf("failed to persist failed event %s: %w", fe.FailedEventID, err)
	}
	a.Logger.Info("Persisted failed event", map[string]interface{}{
		"failed_event_id":    fe.FailedEventID,
		"preceding_event_id": fe.PrecedingEventID,
	})
	return nil
}

// pollDone maps the end of a poll loop to a machine event
func (a *Actions) pollDone(err error) {
	if a.Group.Context().Err() != nil {
		return
	}

	var pollErr *synchronizer.PollFailedError
	switch {
	case errors.As(err, &pollErr):
		fe := pollErr.FailedEvent(string(a.Machine.Current()))
		if serr := a.Machine.Send(statemachine.PollingFailed(fe, err)); errors.Is(serr, statemachine.ErrRefused) {
			// the failed event must reach the ledger whatever the state
			ctx := a.Group.Context()
			if perr := a.PersistFailedEvent(ctx, fe); perr != nil {
				a.Logger.Error("Failed to persist failed event", perr)
			}
			_ = a.send(statemachine.CriticalError(pollErr))
		}

	case err != nil:
		_ = a.send(statemachine.CriticalError(err))

	case a.Machine.Current() == statemachine.StateWebhook:
		_ = a.send(statemachine.PollingStopped())

	default:
		// The webhook was dropped while the loop was stopping
		ctx := a.Group.Context()
		checkpoint := a.Checkpoint(ctx)
		a.Logger.Info("Poll loop stopped outside webhook mode, restarting", map[string]interface{}{
			"state":      string(a.Machine.Current()),
			"checkpoint": checkpoint,
		})
		if err := a.EnsurePolling(ctx, checkpoint); err != nil {
			_ = a.send(statemachine.CriticalError(err))
		}
	}
}

// send applies ev; a refused event is logged by the machine and is not an
// effect failure
func (a *Actions) send(ev statemachine.Event) error {
	err := a.Machine.Send(ev)
	if errors.Is(err, statemachine.ErrRefused) || errors.Is(err, statemachine.ErrTerminal) {
		return nil
	}
	return err
}
