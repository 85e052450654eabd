// Package store persists audios and review segments in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-review/internal/config"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a segment or audio does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrLockNotHeld is returned when an edit is applied without holding the lock.
	ErrLockNotHeld = errors.New("store: lock not held by caller")
	// ErrDuplicateBounds is returned when an edit would collide with another
	// segment of the same audio on (start, end).
	ErrDuplicateBounds = errors.New("store: segment bounds already in use")
)

// LockedError reports a lock held by another caller.
type LockedError struct {
	Holder     string
	AcquiredAt time.Time
}

func (e *LockedError) Error() string {
	if e.Holder == "" {
		return "store: segment changed while acquiring its lock"
	}
	return fmt.Sprintf("store: segment locked by %s", e.Holder)
}

// fixed width so stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps the SQLite review database.
type Store struct {
	db    *sql.DB
	path  string
	log   *slog.Logger
	clock func() time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates the database file if needed and applies the schema.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, path: cfg.Path, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS audios (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL UNIQUE,
    file TEXT NOT NULL,
    metadata TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    audio_id INTEGER NOT NULL,
    start_sec REAL NOT NULL,
    end_sec REAL NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    words TEXT NOT NULL DEFAULT '[]',
    flagged_words INTEGER NOT NULL DEFAULT 0,
    fills TEXT,
    free_text TEXT,
    revisado INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1,
    lock_holder TEXT,
    locked_at TEXT,
    avg_logprob REAL,
    avg_review_threshold REAL NOT NULL DEFAULT 0,
    review INTEGER NOT NULL DEFAULT 0,
    word_review_threshold REAL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(audio_id, start_sec, end_sec),
    CHECK ((lock_holder IS NULL) = (locked_at IS NULL)),
    CHECK (start_sec < end_sec),
    FOREIGN KEY(audio_id) REFERENCES audios(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_queue ON segments(revisado, flagged_words);
CREATE INDEX IF NOT EXISTS idx_segments_audio_start ON segments(audio_id, start_sec);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Tx is a write transaction. All reads through a Tx observe its own writes.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// WithTx runs fn inside a single IMMEDIATE transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Error("rollback failed", slog.String("error", rbErr.Error()))
			}
		}
	}()

	if err = fn(&Tx{tx: sqlTx, now: s.clock().UTC()}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
