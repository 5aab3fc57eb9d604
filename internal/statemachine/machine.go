package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/metrics"
)

const terminalEffectTimeout = 30 * time.Second

// Dispatcher runs effects and takes the process down on a critical error
type Dispatcher interface {
	Go(name string, fn func(ctx context.Context) error) error
	Fail(err error)
}

// FailedError is the cause the task group fails with when the machine
// enters Error
type FailedError struct {
	From  State
	Event EventKind
	Err   error
}

func (e *FailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("critical error in state %s on %s", e.From, e.Event)
	}
	return fmt.Sprintf("critical error in state %s on %s: %v", e.From, e.Event, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Machine drives the proxy between startup recovery, polling and webhook
// delivery
type Machine struct {
	effects Effects
	group   Dispatcher
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu    sync.Mutex
	state State
}

// New creates a machine in the Initial state
func New(effects Effects, group Dispatcher, m *metrics.Metrics, logger *logging.Logger) *Machine {
	return &Machine{
		effects: effects,
		group:   group,
		metrics: m,
		logger:  logger,
		state:   StateInitial,
	}
}

// Current returns the current state
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send applies ev. A refused event leaves the state unchanged and is
// returned as an error. The transition's effect is started on the task
// group once the state has changed.
func (m *Machine) Send(ev Event) error {
	if err := ev.validate(); err != nil {
		m.logger.Warn("Invalid state machine event", map[string]interface{}{
			"event": string(ev.Kind),
			"error": err.Error(),
		})
		return err
	}

	m.mu.Lock()
	from := m.state
	t, err := next(from, ev.Kind)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("State transition refused", map[string]interface{}{
			"state": string(from),
			"event": string(ev.Kind),
		})
		return err
	}
	m.state = t.to
	m.mu.Unlock()

	m.metrics.StateTransition(string(from), string(t.to), string(ev.Kind))
	m.logger.Info("State transition", map[string]interface{}{
		"from":  string(from),
		"to":    string(t.to),
		"event": string(ev.Kind),
	})

	if t.to == StateError {
		m.fail(from, t, ev)
		return nil
	}
	if t.effect == nil {
		return nil
	}

	err = m.group.Go("effect "+string(ev.Kind), func(ctx context.Context) error {
		if err := t.effect(ctx, m.effects, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("State transition effect failed", err, map[string]interface{}{
				"state": string(t.to),
				"event": string(ev.Kind),
			})
			_ = m.Send(CriticalError(err))
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("State transition effect not started", map[string]interface{}{
			"event": string(ev.Kind),
			"error": err.Error(),
		})
	}
	return nil
}

// fail runs the effect of a transition into Error, which must complete
// before the task group is cancelled, and then fails the group
func (m *Machine) fail(from State, t transition, ev Event) {
	if t.effect != nil {
		ctx, cancel := context.WithTimeout(context.Background(), terminalEffectTimeout)
		if err := t.effect(ctx, m.effects, ev); err != nil {
			m.logger.Error("Failed to run effect on entering error state", err, map[string]interface{}{
				"event": string(ev.Kind),
			})
		}
		cancel()
	}
	m.group.Fail(&FailedError{From: from, Event: ev.Kind, Err: ev.Err})
}
