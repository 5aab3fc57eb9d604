package transit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/broker"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/db"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/retry"
)

// altinnOrgNumberPrefix is the identifier scheme of Norwegian organization numbers
const altinnOrgNumberPrefix = "0192:"

// Sender starts outbound file transfers on the broker
type Sender interface {
	Initialize(ctx context.Context, req broker.InitializeRequest) (string, error)
	Upload(ctx context.Context, fileTransferID string, payload []byte) error
}

// SendOutbound sends every new outbound record back to the sender of the
// transfer it answers, oldest first. Returns the number of files sent.
func (s *Service) SendOutbound(ctx context.Context) (int, error) {
	records, err := s.DB.Store().FindOverviews(ctx, models.DirectionOut, models.TransitStatusNew)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		s.Logger.Debug("No new outgoing files found")
		return 0, nil
	}

	s.Logger.Info("Found outgoing transfers", map[string]interface{}{"count": len(records)})

	for i := range records {
		if err := s.sendOne(ctx, &records[i]); err != nil {
			return i, fmt.Errorf("failed to send transit record %s: %w", records[i].ID, err)
		}
	}
	return len(records), nil
}

func (s *Service) sendOne(ctx context.Context, r *models.TransitRecord) error {
	store := s.DB.Store()

	file, err := store.FindFileByOverviewID(ctx, r.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return models.NewNonRetryableError("missing_file", fmt.Errorf("no file for file overview %s", r.ID))
		}
		return err
	}

	payload, err := s.loadPayload(ctx, file)
	if err != nil {
		return err
	}

	req, err := s.initializeRequest(r)
	if err != nil {
		return err
	}

	fileTransferID, err := retry.Value(ctx, s.Retry, "initialize_file_transfer", func(ctx context.Context) (string, error) {
		return s.Broker.Initialize(ctx, req)
	})
	if err != nil {
		return err
	}

	err = s.Retry.Do(ctx, "upload_file", func(ctx context.Context) error {
		return s.Broker.Upload(ctx, fileTransferID, payload)
	})
	if err != nil {
		return err
	}
	s.Logger.Info("Uploaded outgoing file", map[string]interface{}{
		"transit_id":       r.ID,
		"file_transfer_id": fileTransferID,
	})

	if err := store.CompleteOverview(ctx, r.ID, fileTransferID, s.clock()); err != nil {
		return err
	}
	s.Metrics.FileTransferred(string(models.DirectionOut))
	return nil
}

func (s *Service) initializeRequest(r *models.TransitRecord) (broker.InitializeRequest, error) {
	if r.Sender == "" {
		return broker.InitializeRequest{}, models.NewNonRetryableError("missing_sender", fmt.Errorf("transit record %s has no sender", r.ID))
	}
	if r.FileName == "" {
		return broker.InitializeRequest{}, models.NewNonRetryableError("missing_file_name", fmt.Errorf("transit record %s has no file name", r.ID))
	}

	props, err := r.Properties()
	if err != nil {
		return broker.InitializeRequest{}, models.NewNonRetryableError("invalid_property_list", err)
	}

	return broker.InitializeRequest{
		ResourceID:       s.Options.ResourceID,
		FileName:         r.FileName,
		SendersReference: r.SendersReference,
		Sender:           altinnOrgNumberPrefix + s.Options.RecipientID,
		Recipients:       []string{r.Sender},
		PropertyList:     props,
	}, nil
}

func (s *Service) loadPayload(ctx context.Context, f *models.TransitFile) ([]byte, error) {
	switch f.PayloadMode {
	case models.PayloadModeInline:
		if f.Payload == nil {
			return nil, models.NewNonRetryableError("payload_purged", fmt.Errorf("file %s has no payload", f.ID))
		}
		return f.Payload, nil

	case models.PayloadModeObject:
		if f.ObjectKey == nil {
			return nil, models.NewNonRetryableError("payload_purged", fmt.Errorf("file %s has no object key", f.ID))
		}
		if s.Objects == nil {
			return nil, models.NewNonRetryableError("object_store_disabled", fmt.Errorf("file %s is stored as an object", f.ID))
		}
		payload, err := s.Objects.GetPayload(ctx, *f.ObjectKey)
		if err != nil {
			return nil, models.NewRetryableError("object_store_get", err)
		}
		return payload, nil

	default:
		return nil, models.NewNonRetryableError("invalid_payload_mode", fmt.Errorf("file %s has mode %q", f.ID, f.PayloadMode))
	}
}

// RunOutbound sends outbound files on every tick until ctx is done.
// Any failure ends the loop with an error; the caller treats it as critical.
func (s *Service) RunOutbound(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SendOutbound(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Logger.Error("Outbound transfer failed", err)
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
