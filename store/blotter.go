package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crossrate/tradecap/protocol"
)

// UpsertSwapBlotter persists |blotter|, serialized through the wire codec.
// A Version of zero inserts at version one; otherwise the stored version
// must match and is bumped by one, with a stale version surfacing as
// ErrVersionConflict. On success |blotter.Version| reflects the stored
// version.
func (s *Store) UpsertSwapBlotter(ctx context.Context, blotter *protocol.SwapBlotter) error {
	var now = time.Now().UTC()
	var prior = blotter.Version

	return s.inTxn(ctx, func(tx *sqlx.Tx) error {
		blotter.Version = prior + 1
		var blob, err = blotter.Marshal()
		if err != nil {
			blotter.Version = prior
			return fmt.Errorf("marshalling blotter %q: %w", blotter.TradeID, err)
		}

		if prior == 0 {
			if _, err = tx.ExecContext(ctx, `
				INSERT INTO swap_blotter (trade_id, partition_key, blob, version, created_at, updated_at)
				VALUES (?, ?, ?, 1, ?, ?)`,
				blotter.TradeID, blotter.PartitionKey, blob, now, now); err != nil {
				blotter.Version = prior
				if isDuplicate(err) {
					return ErrVersionConflict
				}
				return err
			}
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE swap_blotter
			SET partition_key = ?, blob = ?, version = ?, updated_at = ?
			WHERE trade_id = ? AND version = ?`,
			blotter.PartitionKey, blob, blotter.Version, now,
			blotter.TradeID, prior)
		if err != nil {
			blotter.Version = prior
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			blotter.Version = prior
			return err
		} else if n == 0 {
			blotter.Version = prior
			return ErrVersionConflict
		}
		return nil
	})
}

// FindSwapBlotterByTradeID reads and decodes the blotter for |tradeID|,
// or ErrNotFound.
func (s *Store) FindSwapBlotterByTradeID(ctx context.Context, tradeID string) (*protocol.SwapBlotter, error) {
	var row struct {
		Blob    []byte `db:"blob"`
		Version int64  `db:"version"`
	}
	var err = s.db.GetContext(ctx, &row,
		`SELECT blob, version FROM swap_blotter WHERE trade_id = ?`, tradeID)
	if err != nil {
		return nil, scanOne(err)
	}

	var blotter protocol.SwapBlotter
	if err = blotter.Unmarshal(row.Blob); err != nil {
		return nil, fmt.Errorf("decoding blotter %q: %w", tradeID, err)
	}
	blotter.Version = row.Version
	return &blotter, nil
}

// ArchiveBlottersByDateRange marks unarchived blotters created within
// [from, to) as archived and returns how many were marked.
func (s *Store) ArchiveBlottersByDateRange(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	var err = s.inTxn(ctx, func(tx *sqlx.Tx) error {
		var res, err = tx.ExecContext(ctx, `
			UPDATE swap_blotter SET archived = 1
			WHERE archived = 0 AND created_at >= ? AND created_at < ?`, from, to)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
