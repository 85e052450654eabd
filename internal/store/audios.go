package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const audioColumns = `id, title, file, metadata, created_at, updated_at`

// UpsertAudio creates the audio or refreshes its file reference and metadata.
// A nil metadata map keeps whatever was stored before.
func (s *Store) UpsertAudio(ctx context.Context, title, file string, metadata map[string]any) (Audio, error) {
	if title == "" {
		return Audio{}, errors.New("audio title is required")
	}
	var metaJSON sql.NullString
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return Audio{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(data), Valid: true}
	}

	now := formatTime(s.clock())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audios (title, file, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(title) DO UPDATE SET
		     file = excluded.file,
		     metadata = COALESCE(excluded.metadata, audios.metadata),
		     updated_at = excluded.updated_at`,
		title, file, metaJSON, now, now)
	if err != nil {
		return Audio{}, fmt.Errorf("upsert audio: %w", err)
	}
	return s.AudioByTitle(ctx, title)
}

// AudioByTitle fetches an audio by its unique title.
func (s *Store) AudioByTitle(ctx context.Context, title string) (Audio, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+audioColumns+` FROM audios WHERE title = ?`, title)
	return scanAudio(row)
}

// Audio fetches an audio by id.
func (s *Store) Audio(ctx context.Context, id int64) (Audio, error) {
	return getAudio(ctx, s.db, id)
}

// Audio fetches an audio by id inside the transaction.
func (t *Tx) Audio(ctx context.Context, id int64) (Audio, error) {
	return getAudio(ctx, t.tx, id)
}

// ListAudios returns all audios ordered by title.
func (s *Store) ListAudios(ctx context.Context) ([]Audio, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+audioColumns+` FROM audios ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("list audios: %w", err)
	}
	defer rows.Close()

	var audios []Audio
	for rows.Next() {
		a, err := scanAudio(rows)
		if err != nil {
			return nil, err
		}
		audios = append(audios, a)
	}
	return audios, rows.Err()
}

func getAudio(ctx context.Context, q querier, id int64) (Audio, error) {
	row := q.QueryRowContext(ctx, `SELECT `+audioColumns+` FROM audios WHERE id = ?`, id)
	return scanAudio(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudio(row scanner) (Audio, error) {
	var (
		a       Audio
		meta    sql.NullString
		created string
		updated string
	)
	if err := row.Scan(&a.ID, &a.Title, &a.File, &meta, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Audio{}, ErrNotFound
		}
		return Audio{}, fmt.Errorf("scan audio: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
			return Audio{}, fmt.Errorf("decode audio metadata: %w", err)
		}
	}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}
