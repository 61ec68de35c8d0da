// Package store is the durable plane of the pipeline: idempotency records,
// partition state, swap blotters and archive marks, persisted in sqlite.
// Every write site runs in its own short transaction so that deadlock-class
// retries are isolated to the innermost unit of work.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrVersionConflict = errors.New("version conflict")
)

// RetryPolicy bounds deadlock-class retries of a write unit of work.
type RetryPolicy struct {
	Attempts       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       5,
	InitialBackoff: 20 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
}

// Store is a sqlite-backed durable store.
type Store struct {
	db    *sqlx.DB
	retry RetryPolicy
}

const schema = `
CREATE TABLE IF NOT EXISTS idempotency (
	idempotency_key TEXT PRIMARY KEY,
	trade_id        TEXT NOT NULL,
	partition_key   TEXT NOT NULL,
	status          TEXT NOT NULL,
	swap_blotter_ref TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	completed_at    TIMESTAMP,
	expires_at      TIMESTAMP NOT NULL,
	archived        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_idempotency_trade_id ON idempotency (trade_id);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency (expires_at);

CREATE TABLE IF NOT EXISTS partition_state (
	partition_key   TEXT PRIMARY KEY,
	position_state  TEXT NOT NULL,
	state_blob      BLOB,
	last_sequence   INTEGER NOT NULL DEFAULT 0,
	version         INTEGER NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	archived        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS swap_blotter (
	trade_id        TEXT PRIMARY KEY,
	partition_key   TEXT NOT NULL,
	blob            BLOB NOT NULL,
	version         INTEGER NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	archived        INTEGER NOT NULL DEFAULT 0
);
`

// Open opens (and if needed, bootstraps) the sqlite database at |path|.
// Transactions begin IMMEDIATE so that writers serialize at BEGIN rather
// than deadlocking mid-transaction; busy contention still surfaces as the
// deadlock-class error which Store retries.
func Open(path string, retry RetryPolicy) (*Store, error) {
	var db, err = sqlx.Open("sqlite3",
		"file:"+path+"?_journal_mode=WAL&_busy_timeout=100&_txlock=immediate&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %q: %w", path, err)
	}
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrapping schema: %w", err)
	}
	return &Store{db: db, retry: retry}, nil
}

// DB exposes the underlying handle for collaborators (the rules repository)
// which manage their own tables in the same database.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// inTxn runs |fn| inside a fresh transaction, retrying the whole unit of
// work with exponential backoff and jitter when the store reports a
// deadlock-class error. Every attempt gets a new transaction.
func (s *Store) inTxn(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var attempt = func() error {
		var tx, err = s.db.BeginTxx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		if err = fn(tx); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
		if err = tx.Commit(); err != nil {
			return classify(err)
		}
		return nil
	}

	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retry.InitialBackoff
	bo.MaxInterval = s.retry.MaxBackoff
	bo.MaxElapsedTime = 0 // Bounded by attempt count, not wall time.

	var tries uint
	return backoff.Retry(func() error {
		var err = attempt()
		if err == nil {
			return nil
		}
		tries++
		if !isDeadlock(err) || tries >= s.retry.Attempts {
			return backoff.Permanent(err)
		}
		log.WithFields(log.Fields{"attempt": tries, "err": err}).
			Warn("retrying deadlocked store transaction")
		return err
	}, backoff.WithContext(bo, ctx))
}

// classify maps driver errors onto the package sentinels, preserving the
// original as wrapped context.
func classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %s", ErrDuplicateKey, sqliteErr.Error())
		}
	}
	return err
}

// isDuplicate recognises a constraint violation on the raw driver error,
// for call sites which map it to a more specific sentinel than classify.
func isDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// isDeadlock recognises the store-reported deadlock class: sqlite's BUSY
// and LOCKED codes, which signal writer contention to be retried in a
// fresh transaction.
func isDeadlock(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// scanOne is a small helper for single-row reads mapping sql.ErrNoRows to
// ErrNotFound.
func scanOne(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
