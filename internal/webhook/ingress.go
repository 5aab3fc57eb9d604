package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"sync/atomic"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/statemachine"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const maxBodyBytes = 1 << 20

// FileOverviews fetches the broker's view of a file transfer
type FileOverviews interface {
	FileOverview(ctx context.Context, fileTransferID string) (*models.FileOverview, error)
}

// EventHandler is the single entry point for handling an event
type EventHandler interface {
	TryHandle(ctx context.Context, ev *models.CloudEvent, onSuccess func(ctx context.Context) error, onFailure func(ctx context.Context, err error) error) error
}

// StateMachine is the part of the proxy state machine the ingress needs
type StateMachine interface {
	Current() statemachine.State
	Send(ev statemachine.Event) error
}

// Ingress receives cloud events pushed by the broker
type Ingress struct {
	broker  FileOverviews
	handler EventHandler
	machine StateMachine
	logger  *logging.Logger
	schema  *jsonschema.Schema

	ready atomic.Bool
}

// NewIngress creates the webhook endpoint
func NewIngress(broker FileOverviews, handler EventHandler, machine StateMachine, logger *logging.Logger) (*Ingress, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Ingress{
		broker:  broker,
		handler: handler,
		machine: machine,
		logger:  logger,
		schema:  schema,
	}, nil
}

// ResetReadiness makes the next successful delivery signal WebhookReady
func (i *Ingress) ResetReadiness() {
	i.ready.Store(false)
}

func (i *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !acceptedContentType(r.Header.Get("Content-Type")) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported content type")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := validateBody(i.schema, body); err != nil {
		i.logger.Warn("Rejected webhook body", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusBadRequest, "invalid cloud event")
		return
	}

	var ev models.CloudEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid cloud event")
		return
	}

	log := i.logger.With(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": string(ev.Type),
	})
	ctx := r.Context()

	if ev.Type == models.EventTypeValidateSubscription {
		log.Info("Received subscription validation")
		i.respond(w, log, i.handler.TryHandle(ctx, &ev, noop, passError))
		return
	}

	if ev.Type == models.EventTypePublished && ev.SentBySender() {
		log.Debug("Ignoring published event for a transfer we sent")
		w.WriteHeader(http.StatusOK)
		return
	}

	if state := i.machine.Current(); !state.Receiving() {
		log.Info("Webhook not active, event left for polling", map[string]interface{}{"state": string(state)})
		writeError(w, http.StatusServiceUnavailable, "webhook not active")
		return
	}

	if ev.ResourceInstance == "" {
		writeError(w, http.StatusBadRequest, "missing resourceinstance")
		return
	}

	overview, err := i.broker.FileOverview(ctx, ev.ResourceInstance)
	if err != nil {
		log.Error("Failed to fetch file overview", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch file overview")
		return
	}

	err = i.handler.TryHandle(ctx, &ev,
		func(context.Context) error {
			i.signalReady(overview, log)
			return nil
		},
		passError,
	)
	i.respond(w, log, err)
}

// signalReady sends WebhookReady on the first delivery since the last reset.
// Polling stops at the creation time of this transfer.
func (i *Ingress) signalReady(overview *models.FileOverview, log *logging.Logger) {
	if !i.ready.CompareAndSwap(false, true) {
		return
	}
	if err := i.machine.Send(statemachine.WebhookReady(overview.Created)); err != nil {
		log.Debug("WebhookReady not applied", map[string]interface{}{"error": err.Error()})
		if errors.Is(err, statemachine.ErrInvalidEvent) {
			i.ready.Store(false)
		}
	}
}

func (i *Ingress) respond(w http.ResponseWriter, log *logging.Logger, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case models.IsNonRetryable(err), errors.Is(err, models.ErrUnhandledEventType):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error("Webhook event failed", err)
		writeError(w, http.StatusInternalServerError, "failed to handle event")
	}
}

func acceptedContentType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return mediaType == "application/cloudevents+json" || mediaType == "application/json"
}

func noop(context.Context) error { return nil }

func passError(_ context.Context, err error) error { return err }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

var _ http.Handler = (*Ingress)(nil)
