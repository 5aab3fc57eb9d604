package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/broker"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/config"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/retry"
)

// SubscriptionAPI manages push subscriptions with the events API
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, s broker.Subscription) (*broker.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
}

// Subscriptions registers one broker subscription per configured webhook
type Subscriptions struct {
	API      SubscriptionAPI
	Retry    *retry.Policy
	Logger   *logging.Logger
	Webhooks []config.Webhook
	// Endpoint returns the public URL the broker pushes to for a webhook
	Endpoint func(w config.Webhook) string
	// Delay gives the HTTP server and load balancer time to come up
	Delay time.Duration

	mu      sync.Mutex
	created []int64
}

// Setup replaces any subscriptions created earlier with fresh ones
func (s *Subscriptions) Setup(ctx context.Context) error {
	if s.Delay > 0 {
		s.Logger.Info("Waiting before creating subscriptions", map[string]interface{}{"delay": s.Delay.String()})
		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := s.DeleteAll(ctx); err != nil {
		s.Logger.Warn("Previous subscriptions not fully removed", map[string]interface{}{"error": err.Error()})
	}

	for _, wh := range s.Webhooks {
		req := broker.Subscription{
			EndPoint:       s.Endpoint(wh),
			ResourceFilter: wh.ResourceFilter,
			SubjectFilter:  wh.SubjectFilter,
			TypeFilter:     wh.TypeFilter,
		}

		created, err := retry.Value(ctx, s.Retry, "create_subscription", func(ctx context.Context) (*broker.Subscription, error) {
			return s.API.CreateSubscription(ctx, req)
		})
		if err != nil {
			return fmt.Errorf("failed to create subscription for %s: %w", req.EndPoint, err)
		}

		s.mu.Lock()
		s.created = append(s.created, created.ID)
		s.mu.Unlock()

		s.Logger.Info("Created subscription", map[string]interface{}{
			"subscription_id": created.ID,
			"endpoint":        req.EndPoint,
			"resource_filter": req.ResourceFilter,
		})
	}
	return nil
}

// DeleteAll removes every subscription created by Setup. Failures are
// logged and joined; the ids are forgotten either way.
func (s *Subscriptions) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	ids := s.created
	s.created = nil
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.API.DeleteSubscription(ctx, id); err != nil {
			if broker.IsNotFound(err) {
				continue
			}
			s.Logger.Error("Failed to delete subscription", err, map[string]interface{}{"subscription_id": id})
			errs = append(errs, err)
			continue
		}
		s.Logger.Info("Deleted subscription", map[string]interface{}{"subscription_id": id})
	}
	return errors.Join(errs...)
}

// Created returns the ids of the live subscriptions
func (s *Subscriptions) Created() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.created...)
}
