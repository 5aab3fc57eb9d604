package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrRefused      = errors.New("transition refused")
	ErrTerminal     = errors.New("state machine is in terminal state")
)

// Effects are the side effects the transitions trigger. Each runs on the
// task group after the state has changed; an error is critical.
type Effects interface {
	Recover(ctx context.Context) error
	RetryRecovery(ctx context.Context, cause error) error
	Sync(ctx context.Context) error
	StartPolling(ctx context.Context, checkpoint string) error
	SetupWebhook(ctx context.Context, checkpoint string) error
	StopPollingAt(ctx context.Context, t time.Time) error
	EnsurePolling(ctx context.Context, checkpoint string) error
	PersistFailedEvent(ctx context.Context, fe *models.FailedEvent) error
}

type effect func(ctx context.Context, fx Effects, ev Event) error

type transition struct {
	to     State
	effect effect
}

func recoverEffect(ctx context.Context, fx Effects, _ Event) error {
	return fx.Recover(ctx)
}

func retryRecoveryEffect(ctx context.Context, fx Effects, ev Event) error {
	return fx.RetryRecovery(ctx, ev.Err)
}

func syncEffect(ctx context.Context, fx Effects, _ Event) error {
	return fx.Sync(ctx)
}

func startPollingEffect(ctx context.Context, fx Effects, ev Event) error {
	return fx.StartPolling(ctx, ev.Checkpoint)
}

func setupWebhookEffect(ctx context.Context, fx Effects, ev Event) error {
	return fx.SetupWebhook(ctx, ev.Checkpoint)
}

func stopPollingEffect(ctx context.Context, fx Effects, ev Event) error {
	return fx.StopPollingAt(ctx, ev.Timestamp)
}

func ensurePollingEffect(ctx context.Context, fx Effects, ev Event) error {
	return fx.EnsurePolling(ctx, ev.Checkpoint)
}

func persistFailedEffect(ctx context.Context, fx Effects, ev Event) error {
	return fx.PersistFailedEvent(ctx, ev.FailedEvent)
}

// transitions is the whole machine. CriticalError is accepted in every
// state but Error and is handled in next.
var transitions = map[State]map[EventKind]transition{
	StateInitial: {
		EventStartRecovery: {to: StateStartupRecovery, effect: recoverEffect},
	},
	StateStartupRecovery: {
		EventRecoveryFailed:    {to: StateStartupRecovery, effect: retryRecoveryEffect},
		EventRecoverySucceeded: {to: StateSynchronize, effect: syncEffect},
	},
	StateSynchronize: {
		EventSyncFailed:    {to: StateError},
		EventSyncSucceeded: {to: StatePoll, effect: startPollingEffect},
	},
	StatePoll: {
		EventPollingFailed:    {to: StateError, effect: persistFailedEffect},
		EventServiceAvailable: {to: StateSetupWebhook, effect: setupWebhookEffect},
	},
	StateSetupWebhook: {
		EventWebhookFailed:    {to: StateError},
		EventWebhookValidated: {to: StatePollAndWebhook},
		EventPollingFailed:    {to: StateError, effect: persistFailedEffect},
	},
	StatePollAndWebhook: {
		EventWebhookReady:       {to: StateWebhook, effect: stopPollingEffect},
		EventPollingFailed:      {to: StateError, effect: persistFailedEffect},
		EventServiceUnavailable: {to: StatePoll, effect: ensurePollingEffect},
	},
	StateWebhook: {
		EventServiceUnavailable: {to: StatePoll, effect: ensurePollingEffect},
		EventPollingStopped:     {to: StateWebhook},
		// the loop drains up to the watermark after WebhookReady
		EventPollingFailed: {to: StateError, effect: persistFailedEffect},
	},
}

func next(from State, kind EventKind) (transition, error) {
	if from == StateError {
		return transition{}, ErrTerminal
	}
	if kind == EventCriticalError {
		return transition{to: StateError}, nil
	}
	t, ok := transitions[from][kind]
	if !ok {
		return transition{}, fmt.Errorf("%w: %s in state %s", ErrRefused, kind, from)
	}
	return t, nil
}
