package retry

import (
	"context"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/config"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	goretry "github.com/sethvargo/go-retry"
)

// Policy retries operations that fail with a models.RetryableError using
// exponential backoff (factor 2) capped at MaxInterval.
// Any other error is returned immediately.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
	Logger          *logging.Logger
}

// New builds a policy from the retry configuration
func New(cfg config.Retry, logger *logging.Logger) *Policy {
	return &Policy{
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		MaxAttempts:     cfg.MaxAttempts,
		Logger:          logger,
	}
}

func (p *Policy) backoff() goretry.Backoff {
	initial := p.InitialInterval
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	b := goretry.NewExponential(initial)
	if p.MaxInterval > 0 {
		b = goretry.WithCappedDuration(p.MaxInterval, b)
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return goretry.WithMaxRetries(uint64(attempts-1), b)
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts are used up or ctx is done. op names the operation in logs.
// A nil policy runs fn once.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	attempt := 0
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !models.IsRetryable(err) {
			return err
		}
		if p.Logger != nil {
			p.Logger.Warn("Operation failed, retrying", map[string]interface{}{
				"operation": op,
				"attempt":   attempt,
				"error":     err.Error(),
			})
		}
		return goretry.RetryableError(err)
	})
}

// Value is Do for operations that return a result
func Value[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
