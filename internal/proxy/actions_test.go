package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/statemachine"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/synchronizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct {
	mu           sync.Mutex
	recoverErrs  []error
	syncResult   string
	syncErr      error
	running      bool
	starts       []string
	done         func(error)
	watermark    time.Time
	clearedMarks int
}

func (f *fakePoller) Recover(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recoverErrs) == 0 {
		return nil
	}
	err := f.recoverErrs[0]
	f.recoverErrs = f.recoverErrs[1:]
	return err
}

func (f *fakePoller) Sync(context.Context, string) (string, error) {
	return f.syncResult, f.syncErr
}

func (f *fakePoller) StartPolling(_ synchronizer.Spawner, start string, done func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.watermark = time.Time{}
		return synchronizer.ErrPollLoopRunning
	}
	f.running = true
	f.starts = append(f.starts, start)
	f.done = done
	return nil
}

// finish ends the running loop with err
func (f *fakePoller) finish(err error) {
	f.mu.Lock()
	f.running = false
	done := f.done
	f.mu.Unlock()
	done(err)
}

func (f *fakePoller) StopPollingAt(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermark = t
}

func (f *fakePoller) ClearWatermark() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermark = time.Time{}
	f.clearedMarks++
}

type fakeGroup struct {
	ctx context.Context
}

func (g *fakeGroup) Go(string, func(ctx context.Context) error) error { return nil }
func (g *fakeGroup) Context() context.Context                        { return g.ctx }

type fakeMachine struct {
	mu    sync.Mutex
	state statemachine.State
	sent  []statemachine.Event
	err   error
}

func (f *fakeMachine) Current() statemachine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeMachine) Send(ev statemachine.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return f.err
}

func (f *fakeMachine) kinds() []statemachine.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []statemachine.EventKind
	for _, ev := range f.sent {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type fakeLedger struct {
	saved []*models.FailedEvent
	err   error
}

func (f *fakeLedger) SaveFailedEvent(_ context.Context, fe *models.FailedEvent) error {
	f.saved = append(f.saved, fe)
	return f.err
}

type fakeSubscriber struct {
	err   error
	calls int
}

func (f *fakeSubscriber) Setup(context.Context) error {
	f.calls++
	return f.err
}

type fakeReadiness struct{ resets int }

func (f *fakeReadiness) ResetReadiness() { f.resets++ }

type fixture struct {
	actions   *Actions
	poller    *fakePoller
	machine   *fakeMachine
	ledger    *fakeLedger
	subs      *fakeSubscriber
	readiness *fakeReadiness
	cancel    context.CancelFunc
}

func newFixture(t *testing.T, state statemachine.State) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		poller:    &fakePoller{syncResult: "120"},
		machine:   &fakeMachine{state: state},
		ledger:    &fakeLedger{},
		subs:      &fakeSubscriber{},
		readiness: &fakeReadiness{},
		cancel:    cancel,
	}
	f.actions = &Actions{
		Poller:              f.poller,
		Ledger:              f.ledger,
		Subscriptions:       f.subs,
		Readiness:           f.readiness,
		Machine:             f.machine,
		Group:               &fakeGroup{ctx: ctx},
		Logger:              logging.Discard(),
		Start:               "100",
		Checkpoint:          func(context.Context) string { return "130" },
		RecoveryMaxAttempts: 3,
	}
	return f
}

func TestRecover(t *testing.T) {
	f := newFixture(t, statemachine.StateStartupRecovery)
	require.NoError(t, f.actions.Recover(context.Background()))
	assert.Equal(t, []statemachine.EventKind{statemachine.EventRecoverySucceeded}, f.machine.kinds())

	f = newFixture(t, statemachine.StateStartupRecovery)
	f.poller.recoverErrs = []error{errors.New("db down")}
	require.NoError(t, f.actions.Recover(context.Background()))
	assert.Equal(t, []statemachine.EventKind{statemachine.EventRecoveryFailed}, f.machine.kinds())
}

func TestRetryRecovery_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, statemachine.StateStartupRecovery)
	cause := errors.New("db down")
	f.poller.recoverErrs = []error{cause, cause, cause}
	ctx := context.Background()

	require.NoError(t, f.actions.Recover(ctx))
	require.NoError(t, f.actions.RetryRecovery(ctx, cause))
	require.NoError(t, f.actions.RetryRecovery(ctx, cause))

	err := f.actions.RetryRecovery(ctx, cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestRetryRecovery_Succeeds(t *testing.T) {
	f := newFixture(t, statemachine.StateStartupRecovery)
	cause := errors.New("db down")
	f.poller.recoverErrs = []error{cause}

	require.NoError(t, f.actions.Recover(context.Background()))
	require.NoError(t, f.actions.RetryRecovery(context.Background(), cause))

	assert.Equal(t, []statemachine.EventKind{
		statemachine.EventRecoveryFailed,
		statemachine.EventRecoverySucceeded,
	}, f.machine.kinds())
}

func TestSync(t *testing.T) {
	f := newFixture(t, statemachine.StateSynchronize)
	require.NoError(t, f.actions.Sync(context.Background()))
	require.Len(t, f.machine.sent, 1)
	assert.Equal(t, statemachine.EventSyncSucceeded, f.machine.sent[0].Kind)
	assert.Equal(t, "120", f.machine.sent[0].Checkpoint)

	f = newFixture(t, statemachine.StateSynchronize)
	f.poller.syncErr = &synchronizer.SyncFailedError{Checkpoint: "110", EventID: "111", Err: errors.New("boom")}
	require.NoError(t, f.actions.Sync(context.Background()))
	assert.Equal(t, []statemachine.EventKind{statemachine.EventSyncFailed}, f.machine.kinds())
}

func TestStartPolling_AlreadyRunning(t *testing.T) {
	f := newFixture(t, statemachine.StatePoll)
	require.NoError(t, f.actions.StartPolling(context.Background(), "120"))
	require.NoError(t, f.actions.StartPolling(context.Background(), "125"))
	assert.Equal(t, []string{"120"}, f.poller.starts)
}

func TestSetupWebhook(t *testing.T) {
	f := newFixture(t, statemachine.StateSetupWebhook)
	require.NoError(t, f.actions.StartPolling(context.Background(), "120"))

	require.NoError(t, f.actions.SetupWebhook(context.Background(), "125"))
	assert.Equal(t, 1, f.readiness.resets)
	assert.Equal(t, 1, f.subs.calls)
	assert.Equal(t, []string{"120"}, f.poller.starts, "the running loop keeps polling")
	assert.Empty(t, f.machine.sent)

	f = newFixture(t, statemachine.StateSetupWebhook)
	f.subs.err = errors.New("subscription rejected")
	require.NoError(t, f.actions.SetupWebhook(context.Background(), "125"))
	assert.Equal(t, []string{"125"}, f.poller.starts)
	assert.Equal(t, []statemachine.EventKind{statemachine.EventWebhookFailed}, f.machine.kinds())
}

func TestEnsurePolling_ClearsWatermark(t *testing.T) {
	f := newFixture(t, statemachine.StatePoll)
	f.poller.StopPollingAt(time.Now())

	require.NoError(t, f.actions.EnsurePolling(context.Background(), "130"))
	assert.True(t, f.poller.watermark.IsZero())
	assert.Equal(t, []string{"130"}, f.poller.starts)
}

func TestPersistFailedEvent(t *testing.T) {
	f := newFixture(t, statemachine.StateError)
	fe := &models.FailedEvent{FailedEventID: "7", PrecedingEventID: "6"}

	require.NoError(t, f.actions.PersistFailedEvent(context.Background(), fe))
	assert.Equal(t, []*models.FailedEvent{fe}, f.ledger.saved)

	f.ledger.err = errors.New("db down")
	assert.Error(t, f.actions.PersistFailedEvent(context.Background(), fe))
}

func TestPollDone(t *testing.T) {
	t.Run("failed event", func(t *testing.T) {
		f := newFixture(t, statemachine.StatePollAndWebhook)
		require.NoError(t, f.actions.StartPolling(context.Background(), "120"))

		f.poller.finish(&synchronizer.PollFailedError{FailedEventID: "7", PrecedingEventID: "6", Err: errors.New("boom")})

		require.Len(t, f.machine.sent, 1)
		ev := f.machine.sent[0]
		assert.Equal(t, statemachine.EventPollingFailed, ev.Kind)
		assert.Equal(t, "7", ev.FailedEvent.FailedEventID)
		assert.Equal(t, "6", ev.FailedEvent.PrecedingEventID)
		assert.Equal(t, string(statemachine.StatePollAndWebhook), ev.FailedEvent.ProxyState)
	})

	t.Run("refused failed event is persisted and critical", func(t *testing.T) {
		f := newFixture(t, statemachine.StateSynchronize)
		require.NoError(t, f.actions.StartPolling(context.Background(), "120"))
		f.machine.err = statemachine.ErrRefused

		f.poller.finish(&synchronizer.PollFailedError{FailedEventID: "7", PrecedingEventID: "6", Err: errors.New("boom")})

		require.Len(t, f.ledger.saved, 1)
		assert.Equal(t, "7", f.ledger.saved[0].FailedEventID)
		assert.Equal(t, []statemachine.EventKind{
			statemachine.EventPollingFailed,
			statemachine.EventCriticalError,
		}, f.machine.kinds())
	})

	t.Run("load error is critical", func(t *testing.T) {
		f := newFixture(t, statemachine.StatePoll)
		require.NoError(t, f.actions.StartPolling(context.Background(), "120"))

		f.poller.finish(errors.New("events api down"))
		assert.Equal(t, []statemachine.EventKind{statemachine.EventCriticalError}, f.machine.kinds())
	})

	t.Run("stopped at watermark", func(t *testing.T) {
		f := newFixture(t, statemachine.StateWebhook)
		require.NoError(t, f.actions.StartPolling(context.Background(), "120"))

		f.poller.finish(nil)
		assert.Equal(t, []statemachine.EventKind{statemachine.EventPollingStopped}, f.machine.kinds())
	})

	t.Run("stopped after falling back to polling", func(t *testing.T) {
		f := newFixture(t, statemachine.StatePoll)
		require.NoError(t, f.actions.StartPolling(context.Background(), "120"))

		f.poller.finish(nil)
		assert.Empty(t, f.machine.sent)
		assert.Equal(t, []string{"120", "130"}, f.poller.starts)
	})

	t.Run("shutdown", func(t *testing.T) {
		f := newFixture(t, statemachine.StatePoll)
		require.NoError(t, f.actions.StartPolling(context.Background(), "120"))

		f.cancel()
		f.poller.finish(nil)
		assert.Empty(t, f.machine.sent)
		assert.Equal(t, []string{"120"}, f.poller.starts)
	})
}

func TestSend_IgnoresRefusedTransitions(t *testing.T) {
	f := newFixture(t, statemachine.StateError)
	f.machine.err = statemachine.ErrTerminal
	assert.NoError(t, f.actions.Sync(context.Background()))
}
