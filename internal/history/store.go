// Package history keeps an audit trail of lock and commit transitions per
// segment in its own SQLite file.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-review/internal/config"
	"github.com/loqalabs/loqa-review/internal/protocol"
	_ "modernc.org/sqlite"
)

const defaultLimit = 100

// fixed width so stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Event is one recorded transition of a segment.
type Event struct {
	ID         int64           `json:"id"`
	EventID    string          `json:"event_id"`
	SegmentID  int64           `json:"segment_id"`
	Type       string          `json:"type"`
	Caller     string          `json:"caller,omitempty"`
	AudioTitle string          `json:"audio_title,omitempty"`
	Version    int             `json:"version,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store wraps the history database. A disabled store accepts writes and
// returns no events.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history"))
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS segment_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    segment_id INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    caller TEXT,
    audio_title TEXT,
    version INTEGER,
    payload BLOB,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segment_events_segment ON segment_events(segment_id, id);
CREATE INDEX IF NOT EXISTS idx_segment_events_created ON segment_events(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether events are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Append writes an event. Events sharing an EventID are recorded once.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segment_events(event_id, segment_id, event_type, caller, audio_title, version, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		evt.EventID, evt.SegmentID, evt.Type, evt.Caller, evt.AudioTitle, evt.Version,
		[]byte(evt.Payload), evt.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append history event: %w", err)
	}
	return nil
}

// PublishJSON records segment events handed to a review publisher. Other
// payloads are ignored.
func (s *Store) PublishJSON(subject string, v any) error {
	ev, ok := v.(protocol.SegmentEvent)
	if !ok || !s.Enabled() {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal history event: %w", err)
	}
	return s.Append(context.Background(), Event{
		EventID:    ev.EventID,
		SegmentID:  ev.SegmentID,
		Type:       strings.TrimPrefix(subject, "review.segment."),
		Caller:     ev.Caller,
		AudioTitle: ev.AudioTitle,
		Version:    ev.Version,
		Payload:    payload,
		CreatedAt:  ev.Timestamp,
	})
}

// SegmentEvents returns up to limit events of a segment, oldest first.
func (s *Store) SegmentEvents(ctx context.Context, segmentID int64, limit int) ([]Event, error) {
	if !s.Enabled() {
		return []Event{}, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	// newest window, returned in chronological order
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, segment_id, event_type, caller, audio_title, version, payload, created_at
		 FROM (SELECT * FROM segment_events WHERE segment_id = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, segmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e       Event
			caller  sql.NullString
			title   sql.NullString
			version sql.NullInt64
			payload []byte
			created string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.SegmentID, &e.Type, &caller, &title, &version, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Caller = caller.String
		e.AudioTitle = title.String
		e.Version = int(version.Int64)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention. It runs on open and may be
// scheduled.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM segment_events WHERE created_at < ?`, cutoff.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
	}
	if s.cfg.MaxEventsPerSegment > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM segment_events WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY segment_id ORDER BY id DESC) AS rn
				FROM segment_events
			) WHERE rn > ?
		)`, s.cfg.MaxEventsPerSegment)
		if err != nil {
			return fmt.Errorf("prune per segment: %w", err)
		}
	}
	return tx.Commit()
}
