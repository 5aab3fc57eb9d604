package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/metrics"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/retry"
)

// Broker is the part of the broker API the handler calls
type Broker interface {
	FileOverview(ctx context.Context, fileTransferID string) (*models.FileOverview, error)
	FileDetails(ctx context.Context, fileTransferID string) (*models.FileOverview, error)
	Download(ctx context.Context, fileTransferID string) ([]byte, error)
	ConfirmDownload(ctx context.Context, fileTransferID string) error
}

// Transit persists transfers
type Transit interface {
	FileExists(ctx context.Context, fileTransferID string) (bool, error)
	PrepareForFileTransfer(ctx context.Context, ev *models.EnrichedEvent) error
	StartTransfer(ctx context.Context, ev *models.EnrichedEvent, payload []byte, onSuccess func(ctx context.Context) error) error
}

// Idempotency records per-event processing state
type Idempotency interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	MarkSuccess(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, reason string) error
}

// Handler applies broker events to the transit store
type Handler struct {
	Broker      Broker
	Transit     Transit
	Idempotency Idempotency
	Retry       *retry.Policy
	Metrics     *metrics.Metrics
	Logger      *logging.Logger

	// RecipientID is the organization number the bridge receives files for
	RecipientID string
	// SelfEndpoint is the bridge's public webhook base URL. Validation
	// events whose source names it were sent by the bridge itself.
	SelfEndpoint string
	// OnWebhookValidated is called for validation events from the broker
	OnWebhookValidated func()
}

// TryHandle handles ev and then calls onSuccess, or onFailure with the
// handling error, returning whatever the callback returns. It is the only
// entry point for both the poll loop and the webhook.
func (h *Handler) TryHandle(ctx context.Context, ev *models.CloudEvent, onSuccess func(ctx context.Context) error, onFailure func(ctx context.Context, err error) error) error {
	start := time.Now()
	log := h.Logger.With(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": string(ev.Type),
	})

	// Validation events are not idempotency tracked: a re-created
	// subscription has to be validated again.
	if ev.Type == models.EventTypeValidateSubscription {
		h.handleValidateSubscription(ev, log)
		h.Metrics.EventHandled(string(ev.Type), "success", time.Since(start))
		return onSuccess(ctx)
	}

	alreadyProcessed, err := h.Idempotency.CheckAndMark(ctx, ev.ID)
	if err != nil {
		log.Error("Failed to check idempotency", err)
		h.Metrics.EventHandled(string(ev.Type), "error", time.Since(start))
		return onFailure(ctx, models.NewRetryableError("idempotency_check_failed", err))
	}
	if alreadyProcessed {
		log.Warn("Event already processed, skipping")
		h.Metrics.EventHandled(string(ev.Type), "duplicate", time.Since(start))
		return onSuccess(ctx)
	}

	err = h.handle(ctx, ev, log)

	var warning *models.WarningError
	switch {
	case err == nil:
	case errors.As(err, &warning):
		log.Warn(warning.Message)
		err = nil
	default:
		log.Error("Failed to handle event", err)
		if markErr := h.Idempotency.MarkFailed(ctx, ev.ID, err.Error()); markErr != nil {
			log.Error("Failed to mark idempotency failure", markErr)
		}
		h.Metrics.EventHandled(string(ev.Type), "error", time.Since(start))
		return onFailure(ctx, err)
	}

	if markErr := h.Idempotency.MarkSuccess(ctx, ev.ID); markErr != nil {
		// Non-fatal: the transfer is committed, a redelivery finds the stored file
		log.Error("Failed to mark idempotency success", markErr)
	}
	h.Metrics.EventHandled(string(ev.Type), "success", time.Since(start))
	log.Info("Handled event", map[string]interface{}{
		"latency_ms": time.Since(start).Milliseconds(),
	})
	return onSuccess(ctx)
}

func (h *Handler) handle(ctx context.Context, ev *models.CloudEvent, log *logging.Logger) error {
	if !ev.Type.Known() {
		return fmt.Errorf("%w: %s", models.ErrUnhandledEventType, ev.Type)
	}
	if err := ev.Validate(); err != nil {
		return models.NewNonRetryableError("invalid_event", err)
	}

	switch ev.Type {
	case models.EventTypePublished:
		return h.handlePublished(ctx, ev, log)
	case models.EventTypeNeverConfirmed:
		return h.handleNeverConfirmed(ctx, ev, log)
	case models.EventTypeInitialized:
		return h.handleInitialized(ctx, ev, log)
	case models.EventTypeUploadProcessing:
		log.Info("Upload processing")
	case models.EventTypeDownloadConfirmed:
		log.Info("Download confirmed")
	case models.EventTypeAllConfirmed:
		log.Info("All confirmed")
	case models.EventTypePurged:
		log.Info("File purged")
	default:
		return fmt.Errorf("%w: %s", models.ErrUnhandledEventType, ev.Type)
	}
	return nil
}

func (h *Handler) handlePublished(ctx context.Context, ev *models.CloudEvent, log *logging.Logger) error {
	overview, err := h.fileOverview(ctx, ev.ResourceInstance)
	if err != nil {
		return err
	}

	// Old events replayed by sync or poll
	if overview.Status != models.FileStatusPublished {
		log.Debug("File transfer is no longer published, skipping", map[string]interface{}{
			"file_transfer_status": string(overview.Status),
		})
		return nil
	}
	if !overview.IsRecipient(h.RecipientID) {
		log.Info("Not a recipient of the file transfer, skipping")
		return nil
	}
	if overview.IsTestOperation() {
		log.Info("Test operation, won't persist")
		return nil
	}

	return h.transfer(ctx, ev, overview, log)
}

func (h *Handler) handleNeverConfirmed(ctx context.Context, ev *models.CloudEvent, log *logging.Logger) error {
	overview, err := h.fileOverview(ctx, ev.ResourceInstance)
	if err != nil {
		return err
	}

	if !overview.IsRecipient(h.RecipientID) {
		log.Warn("File transfer was never confirmed downloaded")
		return nil
	}
	if overview.IsTestOperation() {
		log.Info("Test operation, won't persist")
		return nil
	}

	return h.transfer(ctx, ev, overview, log)
}

func (h *Handler) handleInitialized(ctx context.Context, ev *models.CloudEvent, log *logging.Logger) error {
	details, err := retry.Value(ctx, h.Retry, "get_file_details", func(ctx context.Context) (*models.FileOverview, error) {
		return h.Broker.FileDetails(ctx, ev.ResourceInstance)
	})
	if err != nil {
		return err
	}

	if details.IsTestOperation() {
		log.Info("Test operation, won't persist")
		return nil
	}
	// Only a history past Published proves the transfer was already handled
	if details.HasTerminalHistory() {
		log.Debug("Ignoring initialized event for a finished file transfer")
		return nil
	}

	return h.Transit.PrepareForFileTransfer(ctx, &models.EnrichedEvent{Event: *ev, Overview: *details})
}

func (h *Handler) handleValidateSubscription(ev *models.CloudEvent, log *logging.Logger) {
	if h.sentByBridge(ev) {
		log.Info("Ignoring validation event sent by the bridge")
		return
	}
	log.Info("Webhook subscription validated")
	if h.OnWebhookValidated != nil {
		h.OnWebhookValidated()
	}
}

func (h *Handler) sentByBridge(ev *models.CloudEvent) bool {
	if ev.SentBySender() {
		return true
	}
	self := strings.TrimRight(h.SelfEndpoint, "/")
	return self != "" && strings.HasPrefix(strings.TrimRight(ev.Source, "/"), self)
}

func (h *Handler) transfer(ctx context.Context, ev *models.CloudEvent, overview *models.FileOverview, log *logging.Logger) error {
	fileTransferID := overview.FileTransferID

	exists, err := h.Transit.FileExists(ctx, fileTransferID)
	if err != nil {
		return models.NewRetryableError("file_exists_check_failed", err)
	}
	if exists {
		log.Warn("File already exists", map[string]interface{}{"file_transfer_id": fileTransferID})
		return nil
	}

	payload, err := retry.Value(ctx, h.Retry, "download_file", func(ctx context.Context) ([]byte, error) {
		return h.Broker.Download(ctx, fileTransferID)
	})
	if err != nil {
		return err
	}

	err = h.Transit.StartTransfer(ctx, &models.EnrichedEvent{Event: *ev, Overview: *overview}, payload, func(ctx context.Context) error {
		return h.Retry.Do(ctx, "confirm_download", func(ctx context.Context) error {
			return h.Broker.ConfirmDownload(ctx, fileTransferID)
		})
	})
	if err != nil {
		return err
	}

	log.Info("Stored file transfer in transit", map[string]interface{}{
		"file_transfer_id": fileTransferID,
		"size":             len(payload),
	})
	return nil
}

func (h *Handler) fileOverview(ctx context.Context, fileTransferID string) (*models.FileOverview, error) {
	return retry.Value(ctx, h.Retry, "get_file_overview", func(ctx context.Context) (*models.FileOverview, error) {
		return h.Broker.FileOverview(ctx, fileTransferID)
	})
}
