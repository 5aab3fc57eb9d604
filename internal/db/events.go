package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

// InsertEvent stores a broker event.
// Uses ON CONFLICT DO NOTHING so a redelivered event is not an error;
// the returned bool reports whether a row was written.
func (s *Store) InsertEvent(ctx context.Context, e *models.EventRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	query := `
		INSERT INTO altinn_event (
			id, altinn_id, resourceinstance, spec_version, type, time, resource, source, received
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (altinn_id) DO NOTHING
	`

	res, err := s.q.ExecContext(ctx, query,
		e.ID,
		e.AltinnID,
		nullString(e.ResourceInstance),
		nullString(e.SpecVersion),
		nullString(e.Type),
		nullTime(e.Time),
		nullString(e.Resource),
		nullString(e.Source),
		e.Received.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// NewestEventID returns the broker id of the most recent stored event
func (s *Store) NewestEventID(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT altinn_id
		FROM altinn_event
		ORDER BY time DESC NULLS LAST, received DESC
		LIMIT 1
	`

	var id string
	err := s.q.QueryRowContext(ctx, query).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query newest event: %w", err)
	}
	return id, nil
}
