package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned when a task is spawned after the group stopped
var ErrStopped = errors.New("task group stopped")

// Group is the process task group. A task that returns an error, or a
// call to Fail, cancels every other task.
type Group struct {
	parentCancel context.CancelCauseFunc
	ctx          context.Context
	eg           *errgroup.Group
	logger       *logging.Logger

	mu      sync.Mutex
	stopped bool
	cause   error
}

// New creates a group bound to parent
func New(parent context.Context, logger *logging.Logger) *Group {
	ctx, cancel := context.WithCancelCause(parent)
	eg, egCtx := errgroup.WithContext(ctx)
	return &Group{
		parentCancel: cancel,
		ctx:          egCtx,
		eg:           eg,
		logger:       logger,
	}
}

// Context is cancelled when the group stops or fails
func (g *Group) Context() context.Context {
	return g.ctx
}

// Go runs fn as a named task. Tasks are refused once the group is
// stopping or failed.
func (g *Group) Go(name string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped || g.ctx.Err() != nil {
		return fmt.Errorf("%w: refusing task %s", ErrStopped, name)
	}

	g.eg.Go(func() error {
		err := fn(g.ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		g.logger.Error("Task failed", err, map[string]interface{}{"task": name})
		return fmt.Errorf("task %s: %w", name, err)
	})
	return nil
}

// Fail cancels the group with err. The first cause wins.
func (g *Group) Fail(err error) {
	g.mu.Lock()
	if g.cause == nil {
		g.cause = err
	}
	g.mu.Unlock()
	g.parentCancel(err)
}

// Err returns the error the group failed with, if any
func (g *Group) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}

// Stop cancels every task and waits for them to return
func (g *Group) Stop() error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.parentCancel(nil)
	return g.Wait()
}

// Wait blocks until every task returned. It returns the Fail cause if the
// group was failed, else the first task error.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	if cause := g.Err(); cause != nil {
		return cause
	}
	return err
}
