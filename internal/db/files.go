package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/lib/pq"
)

// PurgeCandidate is a stored payload eligible for purging
type PurgeCandidate struct {
	ID        string
	ObjectKey *string
}

// InsertFile stores the payload row of a transit record.
// Returns models.ErrAlreadyExists when the record already has a payload.
func (s *Store) InsertFile(ctx context.Context, f *models.TransitFile) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Created.IsZero() {
		f.Created = time.Now().UTC()
	}

	query := `
		INSERT INTO altinn_fil (id, file_overview_id, payload_mode, payload, object_key, created)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (file_overview_id) DO NOTHING
	`

	res, err := s.q.ExecContext(ctx, query,
		f.ID,
		f.FileOverviewID,
		string(f.PayloadMode),
		payloadArg(f.Payload),
		f.ObjectKey,
		f.Created.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return models.ErrAlreadyExists
	}
	return nil
}

// payloadArg keeps a missing payload NULL instead of an empty bytea
func payloadArg(p []byte) any {
	if p == nil {
		return nil
	}
	return p
}

// FileExistsForTransfer reports whether a payload is stored for the file transfer
func (s *Store) FileExistsForTransfer(ctx context.Context, fileTransferID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT EXISTS (
			SELECT 1
			FROM altinn_fil af
			JOIN altinn_fil_overview afo ON af.file_overview_id = afo.id
			WHERE afo.file_transfer_id = $1
		)
	`

	var exists bool
	if err := s.q.QueryRowContext(ctx, query, fileTransferID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return exists, nil
}

// FindFileByOverviewID retrieves the payload row of a transit record
func (s *Store) FindFileByOverviewID(ctx context.Context, overviewID string) (*models.TransitFile, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, file_overview_id, payload_mode, payload, object_key, created
		FROM altinn_fil
		WHERE file_overview_id = $1
	`

	var (
		f         models.TransitFile
		mode      string
		objectKey sql.NullString
	)
	err := s.q.QueryRowContext(ctx, query, overviewID).Scan(&f.ID, &f.FileOverviewID, &mode, &f.Payload, &objectKey, &f.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	f.PayloadMode = models.PayloadMode(mode)
	if objectKey.Valid {
		f.ObjectKey = &objectKey.String
	}
	return &f, nil
}

// PurgeCandidates locks the payloads of COMPLETED transfers created before
// cutoff. Run it inside WithTx together with ClearPayloads.
func (s *Store) PurgeCandidates(ctx context.Context, cutoff time.Time) ([]PurgeCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT af.id, af.object_key
		FROM altinn_fil af
		JOIN altinn_fil_overview afo ON af.file_overview_id = afo.id
		WHERE (af.payload IS NOT NULL OR af.object_key IS NOT NULL)
		  AND afo.transit_status = $1
		  AND af.created < $2
		FOR UPDATE OF af
	`

	rows, err := s.q.QueryContext(ctx, query, string(models.TransitStatusCompleted), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query purge candidates: %w", err)
	}
	defer rows.Close()

	var candidates []PurgeCandidate
	for rows.Next() {
		var (
			c         PurgeCandidate
			objectKey sql.NullString
		)
		if err := rows.Scan(&c.ID, &objectKey); err != nil {
			return nil, fmt.Errorf("failed to scan purge candidate: %w", err)
		}
		if objectKey.Valid {
			c.ObjectKey = &objectKey.String
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate purge candidates: %w", err)
	}
	return candidates, nil
}

// ClearPayloads drops the payload bytes and object keys of the given files
func (s *Store) ClearPayloads(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `UPDATE altinn_fil SET payload = NULL, object_key = NULL WHERE id = ANY($1)`

	res, err := s.q.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to clear payloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
