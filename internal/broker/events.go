package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

// EventQuery selects one page of the events feed
type EventQuery struct {
	Resource string
	After    string
	Size     int
	Types    []string
	Subject  string
}

// Subscription is a push subscription registered with the events API
type Subscription struct {
	ID             int64  `json:"id,omitempty"`
	EndPoint       string `json:"endPoint"`
	ResourceFilter string `json:"resourceFilter,omitempty"`
	SubjectFilter  string `json:"subjectFilter,omitempty"`
	TypeFilter     string `json:"typeFilter,omitempty"`
}

// Events fetches one page of events after q.After
func (c *Client) Events(ctx context.Context, q EventQuery) ([]models.CloudEvent, error) {
	params := url.Values{}
	params.Set("resource", q.Resource)
	params.Set("after", q.After)
	if q.Size > 0 {
		params.Set("size", strconv.Itoa(q.Size))
	}
	for _, t := range q.Types {
		params.Add("type", t)
	}
	if q.Subject != "" {
		params.Set("subject", q.Subject)
	}

	var events []models.CloudEvent
	if err := c.doJSON(ctx, http.MethodGet, c.eventsURL+"/events?"+params.Encode(), nil, &events); err != nil {
		return nil, fmt.Errorf("failed to get events after %s: %w", q.After, err)
	}
	return events, nil
}

// CreateSubscription registers a push subscription and returns it with its id
func (c *Client) CreateSubscription(ctx context.Context, s Subscription) (*Subscription, error) {
	var created Subscription
	if err := c.doJSON(ctx, http.MethodPost, c.eventsURL+"/subscriptions", s, &created); err != nil {
		return nil, fmt.Errorf("failed to create subscription for %s: %w", s.EndPoint, err)
	}
	return &created, nil
}

// DeleteSubscription removes a push subscription
func (c *Client) DeleteSubscription(ctx context.Context, id int64) error {
	if err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("%s/subscriptions/%d", c.eventsURL, id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete subscription %d: %w", id, err)
	}
	return nil
}
