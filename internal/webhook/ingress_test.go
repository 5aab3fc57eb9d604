package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

type fakeOverviews struct {
	err error
}

func (f *fakeOverviews) FileOverview(_ context.Context, id string) (*models.FileOverview, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.FileOverview{FileTransferID: id, Created: created}, nil
}

type fakeHandler struct {
	mu      sync.Mutex
	err     error
	handled []string
}

func (f *fakeHandler) TryHandle(ctx context.Context, ev *models.CloudEvent, onSuccess func(ctx context.Context) error, onFailure func(ctx context.Context, err error) error) error {
	f.mu.Lock()
	f.handled = append(f.handled, ev.ID)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return onFailure(ctx, err)
	}
	return onSuccess(ctx)
}

type fakeMachine struct {
	mu    sync.Mutex
	state statemachine.State
	sent  []statemachine.Event
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
	return nil
}

func newIngress(t *testing.T, state statemachine.State) (*Ingress, *fakeOverviews, *fakeHandler, *fakeMachine) {
	t.Helper()
	overviews := &fakeOverviews{}
	handler := &fakeHandler{}
	machine := &fakeMachine{state: state}
	ingress, err := NewIngress(overviews, handler, machine, logging.Discard())
	require.NoError(t, err)
	return ingress, overviews, handler, machine
}

func post(ingress http.Handler, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	ingress.ServeHTTP(rec, req)
	return rec
}

func event(id string, typ models.EventType, data string) string {
	body := fmt.Sprintf(`{"id":%q,"type":%q,"specversion":"1.0","source":"https://platform.altinn.no/broker","resourceinstance":"0a3e9c3c-4b65-4f5e-9d56-6f4a1b2e7c10"`, id, typ)
	if data != "" {
		body += `,"data":` + data
	}
	return body + "}"
}

const cloudEvents = "application/cloudevents+json; charset=utf-8"

func TestIngress_Delivers(t *testing.T) {
	ingress, _, handler, machine := newIngress(t, statemachine.StatePollAndWebhook)

	rec := post(ingress, cloudEvents, event("101", models.EventTypePublished, ""))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(ingress, "application/json", event("102", models.EventTypePublished, ""))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"101", "102"}, handler.handled)
	require.Len(t, machine.sent, 1, "only the first delivery signals readiness")
	assert.Equal(t, statemachine.EventWebhookReady, machine.sent[0].Kind)
	assert.Equal(t, created, machine.sent[0].Timestamp)

	ingress.ResetReadiness()
	post(ingress, cloudEvents, event("103", models.EventTypePublished, ""))
	assert.Len(t, machine.sent, 2)
}

func TestIngress_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{"wrong content type", "text/plain", event("1", models.EventTypePublished, ""), http.StatusUnsupportedMediaType},
		{"missing content type", "", event("1", models.EventTypePublished, ""), http.StatusUnsupportedMediaType},
		{"malformed json", cloudEvents, `{"id":`, http.StatusBadRequest},
		{"missing id", cloudEvents, `{"type":"no.altinn.broker.published"}`, http.StatusBadRequest},
		{"id of wrong type", cloudEvents, `{"id":12,"type":"no.altinn.broker.published"}`, http.StatusBadRequest},
		{"body too large", cloudEvents, `{"id":"1","type":"x","data":"` + strings.Repeat("a", maxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingress, _, handler, _ := newIngress(t, statemachine.StateWebhook)

			rec := post(ingress, tt.contentType, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Empty(t, handler.handled)
		})
	}
}

func TestIngress_NotReceiving(t *testing.T) {
	for _, state := range []statemachine.State{
		statemachine.StatePoll,
		statemachine.StateSetupWebhook,
		statemachine.StateSynchronize,
	} {
		t.Run(string(state), func(t *testing.T) {
			ingress, _, handler, _ := newIngress(t, state)

			rec := post(ingress, cloudEvents, event("1", models.EventTypePublished, ""))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Empty(t, handler.handled)
		})
	}
}

func TestIngress_ValidateSubscriptionInAnyState(t *testing.T) {
	ingress, _, handler, machine := newIngress(t, statemachine.StateSetupWebhook)

	rec := post(ingress, cloudEvents, `{"id":"v-1","type":"platform.events.validatesubscription","source":"https://platform.altinn.no/events"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"v-1"}, handler.handled)
	assert.Empty(t, machine.sent, "validation does not signal readiness")
}

func TestIngress_IgnoresOwnPublishedEvents(t *testing.T) {
	ingress, _, handler, _ := newIngress(t, statemachine.StatePoll)

	rec := post(ingress, cloudEvents, event("1", models.EventTypePublished, `{"Role":"Sender"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, handler.handled)
}

func TestIngress_Failures(t *testing.T) {
	tests := []struct {
		name        string
		overviewErr error
		handlerErr  error
		wantStatus  int
	}{
		{"overview unavailable", errors.New("broker down"), nil, http.StatusInternalServerError},
		{"non retryable", nil, models.NewNonRetryableError("invalid_event", errors.New("bad")), http.StatusBadRequest},
		{"unhandled type", nil, fmt.Errorf("%w: x", models.ErrUnhandledEventType), http.StatusBadRequest},
		{"retryable", nil, models.NewRetryableError("status_503", errors.New("unavailable")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingress, overviews, handler, machine := newIngress(t, statemachine.StateWebhook)
			overviews.err = tt.overviewErr
			handler.err = tt.handlerErr

			rec := post(ingress, cloudEvents, event("1", models.EventTypePublished, ""))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Empty(t, machine.sent)
		})
	}
}
