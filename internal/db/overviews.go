package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

const overviewColumns = `
	id, file_transfer_id, resource_id, file_name, sender, senders_reference, checksum,
	direction, transit_status, json_property_list, created, received, sent, modified, version
`

// InsertOverview stores a new transit record.
// An existing record for the same file transfer is left untouched; the
// returned bool reports whether a row was written.
func (s *Store) InsertOverview(ctx context.Context, r *models.TransitRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.PropertyJSON == "" {
		r.PropertyJSON = "{}"
	}
	if r.Modified.IsZero() {
		r.Modified = time.Now().UTC()
	}

	query := `
		INSERT INTO altinn_fil_overview (` + overviewColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (file_transfer_id) DO NOTHING
	`

	res, err := s.q.ExecContext(ctx, query,
		r.ID,
		nullString(r.FileTransferID),
		nullString(r.ResourceID),
		nullString(r.FileName),
		nullString(r.Sender),
		nullString(r.SendersReference),
		nullString(r.Checksum),
		string(r.Direction),
		string(r.TransitStatus),
		r.PropertyJSON,
		nullTime(r.Created),
		nullTime(r.Received),
		nullTime(r.Sent),
		r.Modified.UTC(),
		r.Version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert file overview: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// FindOverviewByFileTransferID retrieves a transit record by broker file transfer id
func (s *Store) FindOverviewByFileTransferID(ctx context.Context, fileTransferID string) (*models.TransitRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + overviewColumns + ` FROM altinn_fil_overview WHERE file_transfer_id = $1`

	record, err := scanOverview(s.q.QueryRowContext(ctx, query, fileTransferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file overview: %w", err)
	}
	return record, nil
}

// FindOverviews lists transit records in one direction and status, oldest first
func (s *Store) FindOverviews(ctx context.Context, direction models.Direction, status models.TransitStatus) ([]models.TransitRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + overviewColumns + `
		FROM altinn_fil_overview
		WHERE direction = $1 AND transit_status = $2
		ORDER BY created ASC NULLS LAST, modified ASC
	`

	rows, err := s.q.QueryContext(ctx, query, string(direction), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query file overviews: %w", err)
	}
	defer rows.Close()

	var records []models.TransitRecord
	for rows.Next() {
		record, err := scanOverview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file overview: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file overviews: %w", err)
	}
	return records, nil
}

// CompleteOverview marks a record COMPLETED. For outbound records
// fileTransferID is the id the broker assigned when the file was sent.
func (s *Store) CompleteOverview(ctx context.Context, id, fileTransferID string, sent time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		UPDATE altinn_fil_overview
		SET transit_status = $1,
		    file_transfer_id = COALESCE($2, file_transfer_id),
		    sent = $3,
		    modified = $3,
		    version = version + 1
		WHERE id = $4
	`

	res, err := s.q.ExecContext(ctx, query, string(models.TransitStatusCompleted), nullString(fileTransferID), sent.UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrAlreadyExists
		}
		return fmt.Errorf("failed to complete file overview: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOverview(row rowScanner) (*models.TransitRecord, error) {
	var (
		r                                                            models.TransitRecord
		fileTransferID, resourceID, fileName, sender, ref, checksum sql.NullString
		created, received, sent                                      sql.NullTime
		direction, status                                            string
	)

	err := row.Scan(
		&r.ID,
		&fileTransferID,
		&resourceID,
		&fileName,
		&sender,
		&ref,
		&checksum,
		&direction,
		&status,
		&r.PropertyJSON,
		&created,
		&received,
		&sent,
		&r.Modified,
		&r.Version,
	)
	if err != nil {
		return nil, err
	}

	r.FileTransferID = fileTransferID.String
	r.ResourceID = resourceID.String
	r.FileName = fileName.String
	r.Sender = sender.String
	r.SendersReference = ref.String
	r.Checksum = checksum.String
	r.Direction = models.Direction(direction)
	r.TransitStatus = models.TransitStatus(status)
	r.Created = timePtr(created)
	r.Received = timePtr(received)
	r.Sent = timePtr(sent)
	return &r, nil
}
