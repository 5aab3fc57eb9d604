package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_StopCancelsTasks(t *testing.T) {
	g := New(context.Background(), logging.Discard())

	started := make(chan struct{})
	require.NoError(t, g.Go("blocker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	assert.NoError(t, g.Stop())
	assert.ErrorIs(t, g.Go("late", func(context.Context) error { return nil }), ErrStopped)
}

func TestGroup_FailCancelsAndReportsCause(t *testing.T) {
	g := New(context.Background(), logging.Discard())
	critical := errors.New("critical")

	require.NoError(t, g.Go("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	g.Fail(critical)
	g.Fail(errors.New("second"))

	select {
	case <-g.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("group context not cancelled")
	}

	assert.ErrorIs(t, g.Wait(), critical)
	assert.ErrorIs(t, g.Err(), critical)
	assert.ErrorIs(t, g.Go("late", func(context.Context) error { return nil }), ErrStopped)
}

func TestGroup_TaskErrorCancelsSiblings(t *testing.T) {
	g := New(context.Background(), logging.Discard())
	boom := errors.New("boom")

	siblingDone := make(chan struct{})
	require.NoError(t, g.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		close(siblingDone)
		return nil
	}))
	require.NoError(t, g.Go("failing", func(context.Context) error { return boom }))

	err := g.Wait()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")

	select {
	case <-siblingDone:
	default:
		t.Error("sibling was not cancelled")
	}
}

func TestGroup_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	g := New(parent, logging.Discard())

	require.NoError(t, g.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	cancel()

	assert.NoError(t, g.Wait(), "cancellation is not a task failure")
}
