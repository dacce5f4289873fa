// Package outbox is the device-local store for report drafts and their
// attachments. Every state change is a conditional UPDATE on the current
// state, so a second writer loses instead of overwriting.
package outbox

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

var (
	// ErrNotFound is returned when no row matches the id.
	ErrNotFound = errors.New("outbox: not found")
	// ErrStateMismatch is returned when a conditional update found the row
	// in another state.
	ErrStateMismatch = errors.New("outbox: state mismatch")
	// ErrLimit is returned when a draft already holds the maximum number of
	// attachments of a media type.
	ErrLimit = errors.New("outbox: attachment limit reached")
)

// Store is the SQLite outbox.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
	newID   func() string
}

// Open creates or opens the outbox database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect outbox: %w", err)
	}
	// one connection: SQLite has a single writer and the pragmas are
	// per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("outbox %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply outbox schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set outbox schema version: %w", err)
	}
	return &Store{db: db, nowFunc: time.Now, newID: newUUID}, nil
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

// WithIDs overrides the id generator used for client uuids, submission keys
// and attachment ids.
func (s *Store) WithIDs(gen func() string) *Store {
	s.newID = gen
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ResetInFlight returns work interrupted by a crash to its queue: SUBMITTING
// drafts go back to QUEUED with the same submission key, UPLOADING
// attachments back to PENDING. It must run before the sync loop starts.
func (s *Store) ResetInFlight(ctx context.Context) (drafts, attachments int, err error) {
	now := s.millis()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE drafts SET state = 'QUEUED', next_attempt_at = ?, updated_at = ? WHERE state = 'SUBMITTING'`, now, now)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		drafts = int(n)
		res, err = tx.ExecContext(ctx,
			`UPDATE attachments SET state = 'PENDING', next_attempt_at = ?, updated_at = ? WHERE state = 'UPLOADING'`, now, now)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		attachments = int(n)
		return nil
	})
	if err != nil {
		return 0, 0, storageErr("reset in-flight work", err)
	}
	return drafts, attachments, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) millis() int64 { return s.nowFunc().UnixMilli() }

// storageErr classifies a SQLite failure. Sentinels pass through unchanged.
func storageErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStateMismatch) || errors.Is(err, ErrLimit) {
		return err
	}
	return apperr.Transient("outbox: "+op, err)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
