package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// IdempotencyStatus is the lifecycle status of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord is a durable claim over one idempotency key. The record
// is created in PROCESSING when a message is first claimed, and marked
// COMPLETED or FAILED exactly once.
type IdempotencyRecord struct {
	Key            string            `db:"idempotency_key"`
	TradeID        string            `db:"trade_id"`
	PartitionKey   string            `db:"partition_key"`
	Status         IdempotencyStatus `db:"status"`
	SwapBlotterRef string            `db:"swap_blotter_ref"`
	CreatedAt      time.Time         `db:"created_at"`
	CompletedAt    sql.NullTime      `db:"completed_at"`
	ExpiresAt      time.Time         `db:"expires_at"`
	Archived       bool              `db:"archived"`
}

// CreateIdempotency inserts a new PROCESSING record claiming |key|.
// A concurrent or prior claim surfaces as ErrDuplicateKey.
func (s *Store) CreateIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	return s.inTxn(ctx, func(tx *sqlx.Tx) error {
		var _, err = tx.NamedExecContext(ctx, `
			INSERT INTO idempotency
				(idempotency_key, trade_id, partition_key, status, swap_blotter_ref, created_at, expires_at)
			VALUES
				(:idempotency_key, :trade_id, :partition_key, :status, :swap_blotter_ref, :created_at, :expires_at)`,
			rec)
		return err
	})
}

// FindIdempotency reads the record for |key|, or ErrNotFound.
func (s *Store) FindIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var err = s.db.GetContext(ctx, &rec,
		`SELECT * FROM idempotency WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, scanOne(err)
	}
	return &rec, nil
}

// MarkIdempotency transitions the record for |key| from PROCESSING into the
// terminal |status|, recording the blotter reference and completion time.
// Transitions from any other status are refused.
func (s *Store) MarkIdempotency(ctx context.Context, key string, status IdempotencyStatus, blotterRef string, at time.Time) error {
	if status != IdempotencyCompleted && status != IdempotencyFailed {
		return fmt.Errorf("%q is not a terminal idempotency status", status)
	}
	return s.inTxn(ctx, func(tx *sqlx.Tx) error {
		var res, err = tx.ExecContext(ctx, `
			UPDATE idempotency
			SET status = ?, swap_blotter_ref = ?, completed_at = ?
			WHERE idempotency_key = ? AND status = ?`,
			status, blotterRef, at, key, IdempotencyProcessing)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 1 {
			return nil
		}

		var cur IdempotencyStatus
		if err = tx.GetContext(ctx, &cur,
			`SELECT status FROM idempotency WHERE idempotency_key = ?`, key); err != nil {
			return scanOne(err)
		}
		return fmt.Errorf("idempotency %q is %s, not %s", key, cur, IdempotencyProcessing)
	})
}

// DeleteIdempotency removes the record for |key|. It is used to release a
// claim when processing is retried from scratch.
func (s *Store) DeleteIdempotency(ctx context.Context, key string) error {
	return s.inTxn(ctx, func(tx *sqlx.Tx) error {
		var _, err = tx.ExecContext(ctx,
			`DELETE FROM idempotency WHERE idempotency_key = ?`, key)
		return err
	})
}

// ArchiveExpiredIdempotency marks expired, unarchived idempotency records as
// archived and returns how many were marked.
func (s *Store) ArchiveExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	var err = s.inTxn(ctx, func(tx *sqlx.Tx) error {
		var res, err = tx.ExecContext(ctx, `
			UPDATE idempotency SET archived = 1
			WHERE archived = 0 AND expires_at < ?`, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
