package transit

import (
	"context"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/db"
)

const defaultPurgeAfter = 30 * 24 * time.Hour

// PurgePayloads drops the payloads of completed transfers older than
// PurgeAfter. Rows stay; only the bytes and objects go. Objects are removed
// after the database change commits.
func (s *Service) PurgePayloads(ctx context.Context) (int64, error) {
	after := s.Options.PurgeAfter
	if after <= 0 {
		after = defaultPurgeAfter
	}
	cutoff := s.clock().Add(-after)

	var (
		purged     int64
		objectKeys []string
	)
	err := s.DB.WithTx(ctx, func(ctx context.Context, store *db.Store) error {
		candidates, err := store.PurgeCandidates(ctx, cutoff)
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.ID)
			if c.ObjectKey != nil {
				objectKeys = append(objectKeys, *c.ObjectKey)
			}
		}

		purged, err = store.ClearPayloads(ctx, ids)
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, key := range objectKeys {
		if s.Objects == nil {
			break
		}
		if err := s.Objects.DeletePayload(ctx, key); err != nil {
			s.Logger.Error("Failed to delete purged payload object", err, map[string]interface{}{"object_key": key})
		}
	}

	if purged > 0 {
		s.Logger.Info("Purged payloads", map[string]interface{}{
			"count":  purged,
			"cutoff": cutoff.Format(time.RFC3339),
		})
	}
	s.Metrics.PayloadsPurged(purged)
	return purged, nil
}

// RunPurge purges once per interval until ctx is done. Failures are logged
// and retried on the next tick.
func (s *Service) RunPurge(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PurgePayloads(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Error("Payload purge failed", err)
			}
		}
	}
}
