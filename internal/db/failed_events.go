package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

// SaveFailedEvent adds an event to the failed-event ledger.
// A second failure of the same event keeps the first row.
func (s *Store) SaveFailedEvent(ctx context.Context, fe *models.FailedEvent) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if fe.ID == "" {
		fe.ID = uuid.NewString()
	}
	if fe.CreatedAt.IsZero() {
		fe.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO altinn_failed_event (id, altinn_id, previous_event_id, altinn_proxy_state, created)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (altinn_id) DO NOTHING
	`

	_, err := s.q.ExecContext(ctx, query,
		fe.ID,
		fe.FailedEventID,
		fe.PrecedingEventID,
		nullString(fe.ProxyState),
		fe.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save failed event: %w", err)
	}
	return nil
}

// FailedEvents returns the ledger, oldest first
func (s *Store) FailedEvents(ctx context.Context) ([]models.FailedEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, altinn_id, previous_event_id, COALESCE(altinn_proxy_state, ''), created
		FROM altinn_failed_event
		ORDER BY created ASC
	`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}
	defer rows.Close()

	var events []models.FailedEvent
	for rows.Next() {
		var fe models.FailedEvent
		if err := rows.Scan(&fe.ID, &fe.FailedEventID, &fe.PrecedingEventID, &fe.ProxyState, &fe.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed event: %w", err)
		}
		events = append(events, fe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed events: %w", err)
	}
	return events, nil
}

// DeleteFailedEvent removes the ledger row of a replayed event.
// Returns ErrNotFound when there is no such row.
func (s *Store) DeleteFailedEvent(ctx context.Context, failedEventID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.q.ExecContext(ctx, `DELETE FROM altinn_failed_event WHERE altinn_id = $1`, failedEventID)
	if err != nil {
		return fmt.Errorf("failed to delete failed event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
