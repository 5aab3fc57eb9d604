package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/metrics"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/statemachine"
)

const probeTimeout = 10 * time.Second

// BrokerProbe checks that the broker is reachable
type BrokerProbe interface {
	Healthcheck(ctx context.Context, resourceID string) error
}

// StateMachine is the part of the proxy state machine the monitor drives
type StateMachine interface {
	Current() statemachine.State
	Send(ev statemachine.Event) error
}

// Monitor probes the broker and the proxy's own public endpoint and moves
// the proxy between polling and webhook delivery
type Monitor struct {
	Broker       BrokerProbe
	ResourceID   string
	SelfURL      string
	HTTPClient   *http.Client
	Machine      StateMachine
	Checkpoint   func(ctx context.Context) string
	Threshold    int
	Interval     time.Duration
	InitialDelay time.Duration
	Metrics      *metrics.Metrics
	Logger       *logging.Logger

	mu        sync.Mutex
	successes int
}

// Start runs Check on every tick after the initial delay until ctx is done
func (m *Monitor) Start(ctx context.Context) error {
	if m.InitialDelay > 0 {
		delay := time.NewTimer(m.InitialDelay)
		select {
		case <-ctx.Done():
			delay.Stop()
			return nil
		case <-delay.C:
		}
	}

	interval := m.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Logger.Info("Health monitor started", map[string]interface{}{
		"interval":  interval.String(),
		"threshold": m.threshold(),
	})

	for {
		m.Check(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check runs one probe and sends ServiceAvailable or ServiceUnavailable
// when the result calls for a change of delivery mode
func (m *Monitor) Check(ctx context.Context) {
	state := m.Machine.Current()
	switch state {
	case statemachine.StateInitial, statemachine.StateStartupRecovery,
		statemachine.StateSynchronize, statemachine.StateError:
		return
	}

	err := m.probe(ctx)
	healthy := err == nil
	m.Metrics.HealthProbe(healthy)
	if !healthy {
		m.Logger.Warn("Health check failed", map[string]interface{}{
			"state": string(state),
			"error": err.Error(),
		})
	}

	m.mu.Lock()
	var ev *statemachine.Event
	if state == statemachine.StatePoll {
		if healthy {
			m.successes++
			if m.successes >= m.threshold() {
				m.successes = 0
				e := statemachine.ServiceAvailable(m.Checkpoint(ctx))
				ev = &e
			}
		} else {
			m.successes = 0
		}
	} else {
		m.successes = 0
		if !healthy {
			e := statemachine.ServiceUnavailable(m.Checkpoint(ctx))
			ev = &e
		}
	}
	m.mu.Unlock()

	if ev != nil {
		if err := m.Machine.Send(*ev); err != nil {
			m.Logger.Debug("Health event not applied", map[string]interface{}{
				"event": string(ev.Kind),
				"error": err.Error(),
			})
		}
	}
}

func (m *Monitor) threshold() int {
	if m.Threshold < 1 {
		return 3
	}
	return m.Threshold
}

// probe checks both the broker and the proxy's external availability endpoint
func (m *Monitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := m.Broker.Healthcheck(ctx, m.ResourceID); err != nil {
		return err
	}
	return m.probeSelf(ctx)
}

func (m *Monitor) probeSelf(ctx context.Context) error {
	url := strings.TrimRight(m.SelfURL, "/") + "/availability"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create availability request: %w", err)
	}

	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("availability check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("availability check returned status %d", resp.StatusCode)
	}
	return nil
}
