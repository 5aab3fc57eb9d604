package synchronizer

import (
	"context"
	"errors"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/broker"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/config"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/retry"
)

const (
	defaultPageSize = 50
	subjectPrefix   = "urn:altinn:organization:identifier-no:"
)

// EventSource is the part of the broker API the loader reads from
type EventSource interface {
	Events(ctx context.Context, q broker.EventQuery) ([]models.CloudEvent, error)
	FileOverview(ctx context.Context, fileTransferID string) (*models.FileOverview, error)
}

// Loader pulls events for every configured resource and pairs each with
// the current overview of its file transfer
type Loader struct {
	Broker      EventSource
	Retry       *retry.Policy
	Logger      *logging.Logger
	Webhooks    []config.Webhook
	RecipientID string
	PageSize    int
}

type resourceFilter struct {
	resource string
	types    []string // nil means all types
}

// filters groups the webhooks by resource in first-seen order. A blank type
// filter on any webhook of a resource means all types for that resource.
func filters(webhooks []config.Webhook) []resourceFilter {
	var (
		order   []string
		types   = map[string][]string{}
		allType = map[string]bool{}
		seen    = map[string]map[string]bool{}
	)

	for _, w := range webhooks {
		if _, ok := seen[w.ResourceFilter]; !ok {
			order = append(order, w.ResourceFilter)
			seen[w.ResourceFilter] = map[string]bool{}
		}
		if w.TypeFilter == "" {
			allType[w.ResourceFilter] = true
			continue
		}
		if !seen[w.ResourceFilter][w.TypeFilter] {
			seen[w.ResourceFilter][w.TypeFilter] = true
			types[w.ResourceFilter] = append(types[w.ResourceFilter], w.TypeFilter)
		}
	}

	out := make([]resourceFilter, 0, len(order))
	for _, r := range order {
		f := resourceFilter{resource: r}
		if !allType[r] {
			f.types = types[r]
		}
		out = append(out, f)
	}
	return out
}

// Load returns the events after after(resource) for every resource.
// Events are grouped by resource, in feed order within each resource.
func (l *Loader) Load(ctx context.Context, after func(resource string) string) ([]models.EnrichedEvent, error) {
	var events []models.EnrichedEvent
	for _, f := range filters(l.Webhooks) {
		loaded, err := l.loadResource(ctx, f, after(f.resource))
		if err != nil {
			return nil, err
		}
		events = append(events, loaded...)
	}
	return events, nil
}

func (l *Loader) loadResource(ctx context.Context, f resourceFilter, after string) ([]models.EnrichedEvent, error) {
	pageSize := l.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var collected []models.EnrichedEvent
	for {
		query := broker.EventQuery{
			Resource: f.resource,
			After:    after,
			Size:     pageSize,
			Types:    f.types,
			Subject:  subjectPrefix + l.RecipientID,
		}
		page, err := retry.Value(ctx, l.Retry, "get_events", func(ctx context.Context) ([]models.CloudEvent, error) {
			return l.Broker.Events(ctx, query)
		})
		if err != nil {
			return nil, err
		}

		for _, ev := range page {
			if ev.ResourceInstance == "" {
				l.Logger.Debug("Skipping event without resourceinstance", map[string]interface{}{"event_id": ev.ID})
				continue
			}

			overview, err := retry.Value(ctx, l.Retry, "get_file_overview", func(ctx context.Context) (*models.FileOverview, error) {
				return l.Broker.FileOverview(ctx, ev.ResourceInstance)
			})
			if err != nil {
				var httpErr *broker.HTTPError
				if errors.As(err, &httpErr) {
					l.Logger.Warn("Could not fetch file overview for event", map[string]interface{}{
						"event_id":    ev.ID,
						"status_code": httpErr.StatusCode,
					})
					continue
				}
				return nil, err
			}
			collected = append(collected, models.EnrichedEvent{Event: ev, Overview: *overview})
		}

		if len(page) > 0 {
			after = page[len(page)-1].ID
		}
		if len(page) < pageSize {
			return collected, nil
		}
	}
}
