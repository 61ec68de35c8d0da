package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crossrate/tradecap/protocol"
)

// PartitionState is the durable per-partition row: the CDM position state,
// an opaque state blob owned by the position tracker, and the last processed
// sequence number. Writes are guarded by an optimistic version.
type PartitionState struct {
	PartitionKey  string                 `db:"partition_key"`
	PositionState protocol.PositionState `db:"position_state"`
	StateBlob     []byte                 `db:"state_blob"`
	LastSequence  int64                  `db:"last_sequence"`
	Version       int64                  `db:"version"`
	UpdatedAt     time.Time              `db:"updated_at"`
	Archived      bool                   `db:"archived"`
}

// FindPartitionState reads the row for |key|, or ErrNotFound. The pipeline
// holds the partition lock while reading, so no row-level read lock is
// taken; writers additionally carry the optimistic version.
func (s *Store) FindPartitionState(ctx context.Context, key string) (*PartitionState, error) {
	var st PartitionState
	var err = s.db.GetContext(ctx, &st,
		`SELECT * FROM partition_state WHERE partition_key = ?`, key)
	if err != nil {
		return nil, scanOne(err)
	}
	return &st, nil
}

// UpsertPartitionState writes |st| with optimistic concurrency: a Version of
// zero inserts a fresh row at version one, and a non-zero Version updates
// only if the stored version still matches, bumping it by one. A stale
// Version surfaces as ErrVersionConflict. On success |st.Version| reflects
// the stored version.
func (s *Store) UpsertPartitionState(ctx context.Context, st *PartitionState) error {
	st.UpdatedAt = time.Now().UTC()

	return s.inTxn(ctx, func(tx *sqlx.Tx) error {
		if st.Version == 0 {
			var _, err = tx.ExecContext(ctx, `
				INSERT INTO partition_state
					(partition_key, position_state, state_blob, last_sequence, version, updated_at)
				VALUES (?, ?, ?, ?, 1, ?)`,
				st.PartitionKey, st.PositionState, st.StateBlob, st.LastSequence, st.UpdatedAt)
			if err != nil {
				if isDuplicate(err) {
					return ErrVersionConflict
				}
				return err
			}
			st.Version = 1
			return nil
		}

		var res, err = tx.ExecContext(ctx, `
			UPDATE partition_state
			SET position_state = ?, state_blob = ?, last_sequence = ?, version = version + 1, updated_at = ?
			WHERE partition_key = ? AND version = ?`,
			st.PositionState, st.StateBlob, st.LastSequence, st.UpdatedAt,
			st.PartitionKey, st.Version)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrVersionConflict
		}
		st.Version++
		return nil
	})
}
