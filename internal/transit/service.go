package transit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/db"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/metrics"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/queue"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/retry"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/storage"
)

// PayloadStore keeps payloads above the inline limit outside the database
type PayloadStore interface {
	PutPayload(ctx context.Context, fileTransferID string, payload []byte) (string, error)
	GetPayload(ctx context.Context, key string) ([]byte, error)
	DeletePayload(ctx context.Context, key string) error
}

// Options are the persistence switches of the transit service
type Options struct {
	PersistEvent bool
	PersistFile  bool
	// InlineLimit is the largest payload kept in the database when an
	// object store is configured
	InlineLimit int
	RecipientID string
	ResourceID  string
	PurgeAfter  time.Duration
}

// Service moves files between the broker and the transit database
type Service struct {
	DB       *db.Client
	Objects  PayloadStore // nil keeps every payload inline
	Notifier queue.Notifier
	Broker   Sender
	Retry    *retry.Policy
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Options  Options

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// FileExists reports whether a payload is already stored for the file transfer
func (s *Service) FileExists(ctx context.Context, fileTransferID string) (bool, error) {
	return s.DB.Store().FileExistsForTransfer(ctx, fileTransferID)
}

// PrepareForFileTransfer records an initialized transfer ahead of its payload.
// A transfer that is already recorded only gets the event stored.
func (s *Service) PrepareForFileTransfer(ctx context.Context, ev *models.EnrichedEvent) error {
	received := s.clock()

	return s.DB.WithTx(ctx, func(ctx context.Context, store *db.Store) error {
		record, err := models.NewInboundTransitRecord(&ev.Overview, received)
		if err != nil {
			return models.NewNonRetryableError("invalid_file_overview", err)
		}

		inserted, err := store.InsertOverview(ctx, record)
		if err != nil {
			return err
		}
		if inserted {
			s.Logger.Info("Prepared file overview", map[string]interface{}{
				"file_transfer_id": ev.Overview.FileTransferID,
			})
		} else {
			s.Logger.Warn("File overview already exists", map[string]interface{}{
				"file_transfer_id": ev.Overview.FileTransferID,
			})
		}

		return s.saveEvent(ctx, store, &ev.Event, received)
	})
}

// StartTransfer stores the overview, payload and event of a published file
// and runs onSuccess (the download confirmation) in the same transaction.
// Any failure, including onSuccess, rolls the whole transfer back.
func (s *Service) StartTransfer(ctx context.Context, ev *models.EnrichedEvent, payload []byte, onSuccess func(ctx context.Context) error) error {
	fileTransferID := ev.Overview.FileTransferID
	received := s.clock()

	file, err := s.stagePayload(ctx, fileTransferID, payload, received)
	if err != nil {
		return err
	}

	var overviewID string
	err = s.DB.WithTx(ctx, func(ctx context.Context, store *db.Store) error {
		id, err := s.ensureOverview(ctx, store, &ev.Overview, received)
		if err != nil {
			return err
		}
		overviewID = id

		if file != nil {
			file.FileOverviewID = overviewID
			if err := store.InsertFile(ctx, file); err != nil {
				if errors.Is(err, models.ErrAlreadyExists) {
					return models.NewWarningError("file with fileTransferId %s already exists", fileTransferID)
				}
				return err
			}
			s.Logger.Info("Saved file", map[string]interface{}{
				"file_transfer_id": fileTransferID,
				"payload_mode":     string(file.PayloadMode),
			})
		} else {
			s.Logger.Info("Persisting files disabled, file not saved", map[string]interface{}{
				"file_transfer_id": fileTransferID,
			})
		}

		if err := s.saveEvent(ctx, store, &ev.Event, received); err != nil {
			return err
		}

		return onSuccess(ctx)
	})
	if err != nil {
		s.discardObject(file)
		return err
	}

	s.Metrics.FileTransferred(string(models.DirectionIn))
	if file != nil {
		s.notify(ctx, ev, overviewID, file, received)
	}
	return nil
}

// stagePayload builds the file row. Payloads above the inline limit are
// uploaded to the object store before the transaction starts.
func (s *Service) stagePayload(ctx context.Context, fileTransferID string, payload []byte, received time.Time) (*models.TransitFile, error) {
	if !s.Options.PersistFile {
		return nil, nil
	}

	file := &models.TransitFile{
		PayloadMode: models.PayloadModeInline,
		Payload:     payload,
		Created:     received,
	}
	if payload == nil {
		file.Payload = []byte{}
	}

	if s.Objects != nil && storage.ShouldOffload(len(payload), s.Options.InlineLimit) {
		key, err := s.Objects.PutPayload(ctx, fileTransferID, payload)
		if err != nil {
			return nil, models.NewRetryableError("object_store_put", err)
		}
		file.PayloadMode = models.PayloadModeObject
		file.Payload = nil
		file.ObjectKey = &key
	}
	return file, nil
}

// discardObject removes an uploaded payload whose transaction did not commit
func (s *Service) discardObject(file *models.TransitFile) {
	if file == nil || file.ObjectKey == nil || s.Objects == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Objects.DeletePayload(ctx, *file.ObjectKey); err != nil {
		s.Logger.Error("Failed to remove orphaned payload object", err, map[string]interface{}{
			"object_key": *file.ObjectKey,
		})
	}
}

func (s *Service) ensureOverview(ctx context.Context, store *db.Store, o *models.FileOverview, received time.Time) (string, error) {
	record, err := models.NewInboundTransitRecord(o, received)
	if err != nil {
		return "", models.NewNonRetryableError("invalid_file_overview", err)
	}

	inserted, err := store.InsertOverview(ctx, record)
	if err != nil {
		return "", err
	}
	if inserted {
		return record.ID, nil
	}

	existing, err := store.FindOverviewByFileTransferID(ctx, o.FileTransferID)
	if err != nil {
		return "", fmt.Errorf("failed to find file overview %s: %w", o.FileTransferID, err)
	}
	return existing.ID, nil
}

func (s *Service) saveEvent(ctx context.Context, store *db.Store, e *models.CloudEvent, received time.Time) error {
	if !s.Options.PersistEvent {
		return nil
	}

	written, err := store.InsertEvent(ctx, models.NewEventRecord(e, received))
	if err != nil {
		return err
	}
	if !written {
		s.Logger.Warn("Event already exists", map[string]interface{}{"event_id": e.ID})
		return nil
	}
	s.Logger.Debug("Saved event", map[string]interface{}{
		"event_id":         e.ID,
		"resourceinstance": e.ResourceInstance,
	})
	return nil
}

// notify runs after commit. The file is already durable, so a failed
// publish is logged and not returned.
func (s *Service) notify(ctx context.Context, ev *models.EnrichedEvent, overviewID string, file *models.TransitFile, received time.Time) {
	if s.Notifier == nil {
		return
	}
	err := s.Notifier.FileReceived(ctx, &queue.FileReceivedMessage{
		EventID:        ev.Event.ID,
		TransitID:      overviewID,
		FileTransferID: ev.Overview.FileTransferID,
		ResourceID:     ev.Overview.ResourceID,
		FileName:       ev.Overview.FileName,
		Sender:         ev.Overview.Sender,
		PayloadMode:    file.PayloadMode,
		ObjectKey:      file.ObjectKey,
		Received:       received,
	})
	if err != nil {
		s.Logger.Error("Failed to publish file received notification", err, map[string]interface{}{
			"file_transfer_id": ev.Overview.FileTransferID,
		})
	}
}
