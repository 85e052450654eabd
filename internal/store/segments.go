package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-review/internal/transcript"
)

const segmentColumns = `s.id, s.audio_id, a.title, a.file, s.start_sec, s.end_sec, s.text, s.words,
    s.fills, s.free_text, s.revisado, s.version, s.lock_holder, s.locked_at,
    s.avg_logprob, s.avg_review_threshold, s.review, s.word_review_threshold,
    s.created_at, s.updated_at`

const segmentFrom = ` FROM segments s JOIN audios a ON a.id = s.audio_id`

// queue order: (audio title, start) with id as the final tie breaker
const pendingQuery = `SELECT ` + segmentColumns + segmentFrom + `
    WHERE s.revisado = 0 AND s.flagged_words > 0
    ORDER BY a.title ASC, s.start_sec ASC, s.id ASC`

// Segment fetches a segment by id.
func (s *Store) Segment(ctx context.Context, id int64) (Segment, error) {
	return getSegment(ctx, s.db, id)
}

// Segment fetches a segment by id inside the transaction.
func (t *Tx) Segment(ctx context.Context, id int64) (Segment, error) {
	return getSegment(ctx, t.tx, id)
}

// AudioSegments returns every segment of an audio ordered by start.
func (s *Store) AudioSegments(ctx context.Context, audioID int64) ([]Segment, error) {
	return audioSegments(ctx, s.db, audioID)
}

// AudioSegments returns every segment of an audio ordered by start, including
// writes made earlier in the transaction.
func (t *Tx) AudioSegments(ctx context.Context, audioID int64) ([]Segment, error) {
	return audioSegments(ctx, t.tx, audioID)
}

// ImportSegments upserts transcript segments for an audio keyed by
// (audio, start, end). Existing segments get their text, words and flags
// refreshed; review state, version and lock are left untouched.
func (s *Store) ImportSegments(ctx context.Context, audioID int64, segments []transcript.Segment) (created, updated int, err error) {
	err = s.WithTx(ctx, func(tx *Tx) error {
		for _, seg := range segments {
			isNew, err := tx.upsertSegment(ctx, audioID, seg)
			if err != nil {
				return err
			}
			if isNew {
				created++
			} else {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return created, updated, nil
}

func (t *Tx) upsertSegment(ctx context.Context, audioID int64, seg transcript.Segment) (bool, error) {
	words := seg.Words
	if words == nil {
		words = []transcript.Word{}
	}
	wordsJSON, err := json.Marshal(words)
	if err != nil {
		return false, fmt.Errorf("marshal words: %w", err)
	}
	now := formatTime(t.now)

	var id int64
	err = t.tx.QueryRowContext(ctx,
		`SELECT id FROM segments WHERE audio_id = ? AND start_sec = ? AND end_sec = ?`,
		audioID, seg.Start, seg.End).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO segments (
                audio_id, start_sec, end_sec, text, words, flagged_words,
                avg_logprob, avg_review_threshold, review, word_review_threshold,
                created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			audioID, seg.Start, seg.End, seg.Text, string(wordsJSON), countFlagged(words),
			nullableFloat(seg.AvgLogprob), seg.AvgReviewThreshold, seg.ReviewTimestamp,
			nullableFloat(seg.WordReviewThreshold), now, now)
		if err != nil {
			return false, fmt.Errorf("insert segment [%.2f-%.2f]: %w", seg.Start, seg.End, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("lookup segment: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE segments
         SET text = ?, words = ?, flagged_words = ?, avg_logprob = ?, avg_review_threshold = ?,
             review = ?, word_review_threshold = ?, updated_at = ?
         WHERE id = ?`,
		seg.Text, string(wordsJSON), countFlagged(words), nullableFloat(seg.AvgLogprob),
		seg.AvgReviewThreshold, seg.ReviewTimestamp, nullableFloat(seg.WordReviewThreshold), now, id)
	if err != nil {
		return false, fmt.Errorf("update segment %d: %w", id, err)
	}
	return false, nil
}

// PendingSegments returns the review queue in order.
func (s *Store) PendingSegments(ctx context.Context) ([]Segment, error) {
	var out []Segment
	err := s.IteratePending(ctx, func(seg Segment) error {
		out = append(out, seg)
		return nil
	})
	return out, err
}

// IteratePending streams the review queue in order. Iteration stops at the
// first error returned by fn, which is passed back to the caller.
func (s *Store) IteratePending(ctx context.Context, fn func(Segment) error) error {
	rows, err := s.db.QueryContext(ctx, pendingQuery)
	if err != nil {
		return fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return err
		}
		if err := fn(seg); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PendingIDs returns the ids of the review queue in order.
func (s *Store) PendingIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id`+segmentFrom+`
         WHERE s.revisado = 0 AND s.flagged_words > 0
         ORDER BY a.title ASC, s.start_sec ASC, s.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPending returns the size of the review queue.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE revisado = 0 AND flagged_words > 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ApplyEdit writes an edit and bumps the version. The caller must hold the
// segment lock; otherwise ErrLockNotHeld is returned and nothing changes.
func (t *Tx) ApplyEdit(ctx context.Context, id int64, holder string, edit Edit) (Segment, error) {
	var fills sql.NullString
	if len(edit.Fills) > 0 {
		data, err := json.Marshal(edit.Fills)
		if err != nil {
			return Segment{}, fmt.Errorf("marshal fills: %w", err)
		}
		fills = sql.NullString{String: string(data), Valid: true}
	}
	var freeText sql.NullString
	if edit.FreeText != "" {
		freeText = sql.NullString{String: edit.FreeText, Valid: true}
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE segments
         SET start_sec = ?, end_sec = ?, revisado = ?, fills = ?, free_text = ?,
             version = version + 1, updated_at = ?
         WHERE id = ? AND lock_holder = ?`,
		edit.Start, edit.End, edit.Revisado, fills, freeText, formatTime(t.now), id, holder)
	if err != nil {
		if isUniqueViolation(err) {
			return Segment{}, ErrDuplicateBounds
		}
		return Segment{}, fmt.Errorf("apply edit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Segment{}, fmt.Errorf("apply edit: %w", err)
	}
	if n == 0 {
		if _, err := t.Segment(ctx, id); err != nil {
			return Segment{}, err
		}
		return Segment{}, ErrLockNotHeld
	}
	return t.Segment(ctx, id)
}

func getSegment(ctx context.Context, q querier, id int64) (Segment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+segmentColumns+segmentFrom+` WHERE s.id = ?`, id)
	return scanSegment(row)
}

func audioSegments(ctx context.Context, q querier, audioID int64) ([]Segment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+segmentColumns+segmentFrom+` WHERE s.audio_id = ? ORDER BY s.start_sec ASC, s.id ASC`, audioID)
	if err != nil {
		return nil, fmt.Errorf("query audio segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func scanSegment(row scanner) (Segment, error) {
	var (
		seg        Segment
		wordsJSON  string
		fillsJSON  sql.NullString
		freeText   sql.NullString
		revisado   int64
		review     int64
		holder     sql.NullString
		lockedAt   sql.NullString
		avgLogprob sql.NullFloat64
		wordThr    sql.NullFloat64
		created    string
		updated    string
	)
	err := row.Scan(
		&seg.ID, &seg.AudioID, &seg.AudioTitle, &seg.AudioFile, &seg.Start, &seg.End, &seg.Text, &wordsJSON,
		&fillsJSON, &freeText, &revisado, &seg.Version, &holder, &lockedAt,
		&avgLogprob, &seg.AvgReviewThreshold, &review, &wordThr,
		&created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Segment{}, ErrNotFound
		}
		return Segment{}, fmt.Errorf("scan segment: %w", err)
	}

	if err := json.Unmarshal([]byte(wordsJSON), &seg.Words); err != nil {
		return Segment{}, fmt.Errorf("decode words of segment %d: %w", seg.ID, err)
	}
	if fillsJSON.Valid && fillsJSON.String != "" {
		if err := json.Unmarshal([]byte(fillsJSON.String), &seg.Fills); err != nil {
			return Segment{}, fmt.Errorf("decode fills of segment %d: %w", seg.ID, err)
		}
	}
	seg.FreeText = freeText.String
	seg.Revisado = revisado != 0
	seg.Review = review != 0
	if holder.Valid {
		seg.Lock = &Lock{Holder: holder.String, AcquiredAt: parseTime(lockedAt.String)}
	}
	if avgLogprob.Valid {
		v := avgLogprob.Float64
		seg.AvgLogprob = &v
	}
	if wordThr.Valid {
		v := wordThr.Float64
		seg.WordReviewThreshold = &v
	}
	seg.CreatedAt = parseTime(created)
	seg.UpdatedAt = parseTime(updated)
	return seg, nil
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
