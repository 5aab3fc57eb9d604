package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/metrics"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

// EventLoader loads enriched events after a per-resource cursor
type EventLoader interface {
	Load(ctx context.Context, after func(resource string) string) ([]models.EnrichedEvent, error)
}

// EventHandler is the single entry point for handling an event
type EventHandler interface {
	TryHandle(ctx context.Context, ev *models.CloudEvent, onSuccess func(ctx context.Context) error, onFailure func(ctx context.Context, err error) error) error
}

// Ledger is the durable record of events that failed while polling
type Ledger interface {
	FailedEvents(ctx context.Context) ([]models.FailedEvent, error)
	DeleteFailedEvent(ctx context.Context, failedEventID string) error
}

// Spawner runs a named task in the process task group
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error) error
}

// Synchronizer replays the broker's event feed through the handler:
// once from a checkpoint at startup (Sync), and repeatedly in the poll loop
// until webhooks take over.
type Synchronizer struct {
	Loader   EventLoader
	Handler  EventHandler
	Ledger   Ledger
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Interval time.Duration

	mu        sync.Mutex
	running   bool
	watermark time.Time
	start     string
	cursors   map[string]string
	stopped   bool
	failure   error

	passMu        sync.Mutex
	pollRequested atomic.Bool
}

// sortByCreated orders events by the creation time of their file transfer.
// Event ids are only ordered within one resource.
func sortByCreated(events []models.EnrichedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Overview.Created.Before(events[j].Overview.Created)
	})
}

// Recover replays the events recorded in the failed-event ledger and
// removes each ledger row once its event is handled
func (s *Synchronizer) Recover(ctx context.Context) error {
	failed, err := s.Ledger.FailedEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to read failed events: %w", err)
	}
	if len(failed) == 0 {
		s.Logger.Info("No previously failed events found")
		return nil
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].CreatedAt.Before(failed[j].CreatedAt)
	})

	start := failed[0].PrecedingEventID
	pending := make(map[string]bool, len(failed))
	for _, fe := range failed {
		pending[fe.FailedEventID] = true
	}

	loaded, err := s.Loader.Load(ctx, func(string) string { return start })
	if err != nil {
		return fmt.Errorf("failed to load events for recovery: %w", err)
	}

	var events []models.EnrichedEvent
	found := make(map[string]bool, len(failed))
	for _, ev := range loaded {
		if pending[ev.Event.ID] && !found[ev.Event.ID] {
			found[ev.Event.ID] = true
			events = append(events, ev)
		}
	}
	for id := range pending {
		if !found[id] {
			return fmt.Errorf("failed event %s not found in the broker feed after %s", id, start)
		}
	}

	s.Logger.Info("Found previously failed events", map[string]interface{}{"count": len(events)})
	sortByCreated(events)

	for i := range events {
		ev := &events[i].Event
		s.Logger.Info("Replaying event from a previously failed run", map[string]interface{}{"event_id": ev.ID})

		err := s.Handler.TryHandle(ctx, ev,
			func(ctx context.Context) error {
				if err := s.Ledger.DeleteFailedEvent(ctx, ev.ID); err != nil {
					return fmt.Errorf("failed to delete failed event %s: %w", ev.ID, err)
				}
				return nil
			},
			func(_ context.Context, err error) error {
				return fmt.Errorf("failed to replay event %s: %w", ev.ID, err)
			},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Sync replays every event after start and returns the id of the last
// event handled. On failure it returns a *SyncFailedError.
func (s *Synchronizer) Sync(ctx context.Context, start string) (string, error) {
	s.Logger.Info("Synchronizing events", map[string]interface{}{"start_event_id": start})

	events, err := s.Loader.Load(ctx, func(string) string { return start })
	if err != nil {
		return "", fmt.Errorf("failed to load events: %w", err)
	}
	sortByCreated(events)

	lastGood := start
	for i := range events {
		ev := &events[i].Event

		err := s.Handler.TryHandle(ctx, ev,
			func(context.Context) error {
				lastGood = ev.ID
				return nil
			},
			func(_ context.Context, err error) error {
				if errors.Is(err, models.ErrUnhandledEventType) {
					lastGood = ev.ID
					return nil
				}
				return &SyncFailedError{Checkpoint: lastGood, EventID: ev.ID, Err: err}
			},
		)
		if err != nil {
			return lastGood, err
		}
	}

	s.Logger.Info("Synchronization finished", map[string]interface{}{
		"events":     len(events),
		"checkpoint": lastGood,
	})
	return lastGood, nil
}

// StartPolling claims the poll loop and runs it on the task group.
// done receives the loop's result: nil when it stopped at the watermark or
// on shutdown, a *PollFailedError when an event failed.
// If a loop is already running the watermark is cleared and
// ErrPollLoopRunning returned, so the running loop keeps polling.
func (s *Synchronizer) StartPolling(group Spawner, start string, done func(err error)) error {
	if err := s.claim(start); err != nil {
		return err
	}

	err := group.Go("poll", func(ctx context.Context) error {
		err := s.run(ctx)
		if done != nil {
			done(err)
		}
		return nil
	})
	if err != nil {
		s.release()
		return err
	}
	return nil
}

// Poll runs the poll loop from start until it stops at the watermark, an
// event fails or ctx is done
func (s *Synchronizer) Poll(ctx context.Context, start string) error {
	if err := s.claim(start); err != nil {
		return err
	}
	return s.run(ctx)
}

func (s *Synchronizer) claim(start string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.watermark = time.Time{}
		s.Logger.Info("Poll loop already running, clearing watermark")
		return ErrPollLoopRunning
	}
	s.running = true
	s.start = start
	s.cursors = map[string]string{}
	s.stopped = false
	s.failure = nil
	return nil
}

func (s *Synchronizer) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Synchronizer) run(ctx context.Context) error {
	defer s.release()

	s.Logger.Info("Starting polling", map[string]interface{}{"start_event_id": s.start})

	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RequestPoll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if s.isStopped() {
			s.Logger.Info("Polling stopped")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RequestPoll asks for a poll pass. If a pass is in flight the request is
// queued and picked up when that pass ends; requests queued during one pass
// collapse into one extra pass.
func (s *Synchronizer) RequestPoll(ctx context.Context) error {
	s.pollRequested.Store(true)

	for {
		if !s.passMu.TryLock() {
			s.Logger.Debug("Poll already running, queueing next poll")
			return nil
		}

		err := s.drain(ctx)
		s.passMu.Unlock()
		if err != nil {
			return err
		}
		// A request that arrived between the last drain and the unlock
		if !s.pollRequested.Load() || s.isStopped() {
			return nil
		}
	}
}

func (s *Synchronizer) drain(ctx context.Context) error {
	for s.pollRequested.Swap(false) {
		if err := s.currentFailure(); err != nil {
			return err
		}
		if s.isStopped() {
			return nil
		}
		if err := s.pass(ctx); err != nil {
			s.mu.Lock()
			s.failure = err
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

func (s *Synchronizer) pass(ctx context.Context) error {
	s.Logger.Debug("Polling broker")

	events, err := s.Loader.Load(ctx, s.cursor)
	if err != nil {
		s.Metrics.PollPass("error")
		return fmt.Errorf("failed to load events: %w", err)
	}
	sortByCreated(events)

	if !s.Watermark().IsZero() && len(events) == 0 {
		s.Logger.Info("Webhook ready and no more events to process, stopping polling")
		s.markStopped()
		s.Metrics.PollPass("stopped")
		return nil
	}

	for i := range events {
		ev := &events[i].Event

		if wm := s.Watermark(); !wm.IsZero() && !events[i].Overview.Created.Before(wm) {
			s.Logger.Info("Reached watermark, polling replaced by webhook", map[string]interface{}{
				"event_id":  ev.ID,
				"watermark": wm.Format(time.RFC3339Nano),
			})
			s.markStopped()
			s.Metrics.PollPass("stopped")
			return nil
		}

		preceding := s.cursor(ev.Resource)
		s.Logger.Debug("Polling event", map[string]interface{}{
			"event_id":         ev.ID,
			"resourceinstance": ev.ResourceInstance,
		})

		err := s.Handler.TryHandle(ctx, ev,
			func(context.Context) error {
				s.advance(ev.Resource, ev.ID)
				return nil
			},
			func(_ context.Context, err error) error {
				if errors.Is(err, models.ErrUnhandledEventType) {
					s.advance(ev.Resource, ev.ID)
					return nil
				}
				return &PollFailedError{FailedEventID: ev.ID, PrecedingEventID: preceding, Err: err}
			},
		)
		if err != nil {
			s.Metrics.PollPass("error")
			return err
		}
	}

	s.Metrics.PollPass("success")
	return nil
}

// cursor returns the last handled event of a resource, or the start
func (s *Synchronizer) cursor(resource string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.cursors[resource]; ok {
		return id
	}
	return s.start
}

func (s *Synchronizer) advance(resource, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors == nil {
		s.cursors = map[string]string{}
	}
	s.cursors[resource] = eventID
}

// StopPollingAt makes the poll loop stop at the first event whose file
// transfer was created at or after t
func (s *Synchronizer) StopPollingAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = t
}

// ClearWatermark lets the poll loop run indefinitely again
func (s *Synchronizer) ClearWatermark() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = time.Time{}
}

// Watermark returns the current watermark, zero when unset
func (s *Synchronizer) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// loopRunning reports whether a poll loop is running
func (s *Synchronizer) loopRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Synchronizer) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *Synchronizer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Synchronizer) currentFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}
