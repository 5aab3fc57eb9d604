package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

const (
	opTimeout       = 5 * time.Second
	maxReasonLength = 500
)

// Client records per-event processing state so a broker event delivered
// by both the poll loop and the webhook is only handled once.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

// NewClient creates a new idempotency client
func NewClient(db *sql.DB) *Client {
	return &Client{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CheckAndMark marks an event as processing and reports whether it was
// already handled successfully. The row is locked with SELECT FOR UPDATE
// so concurrent deliveries of the same event serialize here. A first
// delivery racing another one loses the insert and then reads the
// winner's row.
func (c *Client) CheckAndMark(ctx context.Context, eventID string) (alreadyProcessed bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := c.now()

	status, found, err := lockStatus(ctx, tx, eventID)
	if err != nil {
		return false, err
	}
	if !found {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (event_id, status, first_seen_at, last_seen_at, attempts)
			VALUES ($1, $2, $3, $3, 1)
			ON CONFLICT (event_id) DO NOTHING
		`, eventID, string(models.IdempotencyStatusProcessing), now)
		if err != nil {
			return false, fmt.Errorf("failed to insert idempotency key: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to insert idempotency key: %w", err)
		}
		if inserted == 1 {
			if err := tx.Commit(); err != nil {
				return false, fmt.Errorf("failed to commit transaction: %w", err)
			}
			return false, nil
		}

		status, found, err = lockStatus(ctx, tx, eventID)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("idempotency key %s vanished after insert conflict", eventID)
		}
	}

	if status == string(models.IdempotencyStatusSuccess) {
		_, err = tx.ExecContext(ctx, `UPDATE idempotency_keys SET last_seen_at = $1 WHERE event_id = $2`, now, eventID)
		if err != nil {
			return false, fmt.Errorf("failed to update idempotency key: %w", err)
		}
		alreadyProcessed = true
	} else {
		// processing (crashed mid-way, or another delivery in flight) or failed: try again
		_, err = tx.ExecContext(ctx, `
			UPDATE idempotency_keys
			SET status = $1, last_seen_at = $2, attempts = attempts + 1
			WHERE event_id = $3
		`, string(models.IdempotencyStatusProcessing), now, eventID)
		if err != nil {
			return false, fmt.Errorf("failed to update idempotency key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return alreadyProcessed, nil
}

func lockStatus(ctx context.Context, tx *sql.Tx, eventID string) (status string, found bool, err error) {
	err = tx.QueryRowContext(ctx, `SELECT status FROM idempotency_keys WHERE event_id = $1 FOR UPDATE`, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return status, true, nil
}

// MarkSuccess marks an event as successfully processed
func (c *Client) MarkSuccess(ctx context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1, last_seen_at = $2, error_reason = NULL
		WHERE event_id = $3
	`, string(models.IdempotencyStatusSuccess), c.now(), eventID)
	if err != nil {
		return fmt.Errorf("failed to mark success: %w", err)
	}
	return nil
}

// MarkFailed marks an event as failed with error reason
func (c *Client) MarkFailed(ctx context.Context, eventID string, errorReason string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if len(errorReason) > maxReasonLength {
		errorReason = errorReason[:maxReasonLength]
	}

	_, err := c.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1, last_seen_at = $2, error_reason = $3
		WHERE event_id = $4
	`, string(models.IdempotencyStatusFailed), c.now(), errorReason, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

// GetStatus retrieves the idempotency record for an event, or nil when the
// event has never been seen
func (c *Client) GetStatus(ctx context.Context, eventID string) (*models.IdempotencyKeyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		record      models.IdempotencyKeyRecord
		errorReason sql.NullString
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT event_id, status, first_seen_at, last_seen_at, attempts, error_reason
		FROM idempotency_keys
		WHERE event_id = $1
	`, eventID).Scan(
		&record.EventID,
		&record.Status,
		&record.FirstSeenAt,
		&record.LastSeenAt,
		&record.Attempts,
		&errorReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query idempotency key: %w", err)
	}

	if errorReason.Valid {
		record.ErrorReason = &errorReason.String
	}
	return &record, nil
}
