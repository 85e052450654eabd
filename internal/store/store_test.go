package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-review/internal/config"
	"github.com/loqalabs/loqa-review/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "review.db"), BusyTimeoutMS: 5000}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func flaggedSegment(start, end float64, text string, review bool) transcript.Segment {
	return transcript.Segment{
		Start: start,
		End:   end,
		Text:  text,
		Words: []transcript.Word{
			{Word: text, Start: start, End: end, Probability: 0.4, Review: review},
		},
	}
}

func seed(t *testing.T, s *Store, title string, segs ...transcript.Segment) Audio {
	t.Helper()
	ctx := context.Background()
	audio, err := s.UpsertAudio(ctx, title, title+".mp3", map[string]any{"source": "test"})
	if err != nil {
		t.Fatalf("upsert audio: %v", err)
	}
	if _, _, err := s.ImportSegments(ctx, audio.ID, segs); err != nil {
		t.Fatalf("import segments: %v", err)
	}
	return audio
}

func TestUpsertAudioKeepsMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertAudio(ctx, "entrevista", "entrevista.mp3", map[string]any{"lang": "es"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := s.UpsertAudio(ctx, "entrevista", "entrevista_v2.mp3", nil)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same audio id, got %d and %d", first.ID, second.ID)
	}
	if second.File != "entrevista_v2.mp3" {
		t.Fatalf("expected file to be refreshed, got %q", second.File)
	}
	if second.Metadata["lang"] != "es" {
		t.Fatalf("expected metadata to survive nil update, got %v", second.Metadata)
	}
}

func TestImportSegmentsUpsertsByBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	audio := seed(t, s, "a", flaggedSegment(0, 1, "hola", true), flaggedSegment(1, 2, "mundo", false))

	created, updated, err := s.ImportSegments(ctx, audio.ID, []transcript.Segment{
		flaggedSegment(0, 1, "hola otra vez", true),
		flaggedSegment(2, 3, "nuevo", true),
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if created != 1 || updated != 1 {
		t.Fatalf("expected 1 created and 1 updated, got %d/%d", created, updated)
	}

	segs, err := s.AudioSegments(ctx, audio.ID)
	if err != nil {
		t.Fatalf("audio segments: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	if segs[0].Text != "hola otra vez" || segs[0].Version != 1 {
		t.Fatalf("unexpected first segment %+v", segs[0])
	}
	if segs[0].AudioTitle != "a" {
		t.Fatalf("expected joined audio title, got %q", segs[0].AudioTitle)
	}
}

func TestPendingOrderAndFilter(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "beta", flaggedSegment(5, 6, "b2", true), flaggedSegment(1, 2, "b1", true))
	seed(t, s, "alfa", flaggedSegment(3, 4, "a1", true), flaggedSegment(0, 1, "a0", false))

	pending, err := s.PendingSegments(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var got []string
	for _, seg := range pending {
		got = append(got, seg.Text)
	}
	want := []string{"a1", "b1", "b2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	ids, err := s.PendingIDs(context.Background())
	if err != nil {
		t.Fatalf("pending ids: %v", err)
	}
	for i, seg := range pending {
		if ids[i] != seg.ID {
			t.Fatalf("pending ids out of order: %v", ids)
		}
	}
	n, err := s.CountPending(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("expected 3 pending, got %d (%v)", n, err)
	}
}

func TestAcquireLockTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	audio := seed(t, s, "a", flaggedSegment(0, 1, "hola", true))
	segs, _ := s.AudioSegments(ctx, audio.ID)
	id := segs[0].ID

	res, err := s.AcquireLock(ctx, id, "ana", time.Time{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Reentrant || res.Lock.Holder != "ana" {
		t.Fatalf("unexpected acquire result %+v", res)
	}

	again, err := s.AcquireLock(ctx, id, "ana", time.Time{})
	if err != nil {
		t.Fatalf("re-entrant acquire: %v", err)
	}
	if !again.Reentrant || !again.Lock.AcquiredAt.Equal(res.Lock.AcquiredAt) {
		t.Fatalf("expected re-entrant acquire to keep timestamp, got %+v", again)
	}

	_, err = s.AcquireLock(ctx, id, "beto", time.Time{})
	var locked *LockedError
	if !errors.As(err, &locked) || locked.Holder != "ana" {
		t.Fatalf("expected LockedError held by ana, got %v", err)
	}

	if err := s.ReleaseLock(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	seg, _ := s.Segment(ctx, id)
	if seg.Lock != nil {
		t.Fatalf("expected unlocked segment, got %+v", seg.Lock)
	}

	if _, err := s.AcquireLock(ctx, 9999, "ana", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.ReleaseLock(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on release, got %v", err)
	}
}

func TestAcquireLockTakesOverStaleLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	audio := seed(t, s, "a", flaggedSegment(0, 1, "hola", true))
	segs, _ := s.AudioSegments(ctx, audio.ID)
	id := segs[0].ID

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC) }
	if _, err := s.AcquireLock(ctx, id, "ana", time.Time{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC) }
	fresh := time.Date(2025, 1, 1, 9, 50, 0, 0, time.UTC)
	if _, err := s.AcquireLock(ctx, id, "beto", fresh); err == nil {
		t.Fatal("expected lock to still be considered fresh")
	}

	cutoff := time.Date(2025, 1, 1, 10, 20, 0, 0, time.UTC)
	res, err := s.AcquireLock(ctx, id, "beto", cutoff)
	if err != nil {
		t.Fatalf("expected takeover of stale lock: %v", err)
	}
	if res.Lock.Holder != "beto" || res.Reentrant {
		t.Fatalf("unexpected takeover result %+v", res)
	}
}

func TestApplyEditRequiresLockAndRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	audio := seed(t, s, "a", flaggedSegment(0, 1, "hola", true), flaggedSegment(1, 2, "mundo", true))
	segs, _ := s.AudioSegments(ctx, audio.ID)
	id := segs[0].ID

	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ApplyEdit(ctx, id, "ana", Edit{Start: 0, End: 1, FreeText: "x"})
		return err
	})
	if !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("expected ErrLockNotHeld, got %v", err)
	}

	if _, err := s.AcquireLock(ctx, id, "ana", time.Time{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx *Tx) error {
		seg, err := tx.ApplyEdit(ctx, id, "ana", Edit{Start: 0, End: 1, Revisado: true, Fills: map[int]string{0: "hola!"}})
		if err != nil {
			return err
		}
		if seg.Version != 2 || seg.Fills[0] != "hola!" {
			t.Errorf("expected edit visible inside tx, got %+v", seg)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	seg, _ := s.Segment(ctx, id)
	if seg.Version != 1 || seg.Revisado || len(seg.Fills) != 0 {
		t.Fatalf("expected rollback, got %+v", seg)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ApplyEdit(ctx, id, "ana", Edit{Start: 1, End: 2})
		return err
	})
	if !errors.Is(err, ErrDuplicateBounds) {
		t.Fatalf("expected ErrDuplicateBounds, got %v", err)
	}
}

func TestAcquireLockReportsHolderWhileWriterBusy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	audio := seed(t, s, "a", flaggedSegment(0, 1, "hola", true))
	segs, _ := s.AudioSegments(ctx, audio.ID)
	id := segs[0].ID

	if _, err := s.AcquireLock(ctx, id, "ana", time.Time{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(tx *Tx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	started := time.Now()
	_, err := s.AcquireLock(ctx, id, "beto", time.Time{})
	elapsed := time.Since(started)
	close(release)
	if werr := <-done; werr != nil {
		t.Fatalf("writer tx: %v", werr)
	}

	var locked *LockedError
	if !errors.As(err, &locked) || locked.Holder != "ana" {
		t.Fatalf("expected LockedError held by ana, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("expected conflict without waiting on the writer, took %s", elapsed)
	}
}

func TestGrantLockRefusesSegmentCommittedSinceRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	audio := seed(t, s, "a", flaggedSegment(0, 1, "hola", true))
	segs, _ := s.AudioSegments(ctx, audio.ID)
	id := segs[0].ID

	seen, err := readLockState(ctx, s.db, id)
	if err != nil {
		t.Fatalf("read lock state: %v", err)
	}

	// a full commit by ana lands between beto's read and beto's grant
	if _, err := s.AcquireLock(ctx, id, "ana", time.Time{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err = s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ApplyEdit(ctx, id, "ana", Edit{Start: 0, End: 1, FreeText: "ana"}); err != nil {
			return err
		}
		return tx.ReleaseLock(ctx, id)
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, err = s.grantLock(ctx, id, "beto", time.Time{}, seen)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	seg, _ := s.Segment(ctx, id)
	if seg.Lock != nil || seg.Version != 2 || seg.FreeText != "ana" {
		t.Fatalf("expected ana's commit untouched and unlocked, got %+v", seg)
	}

	if _, err := s.AcquireLock(ctx, id, "beto", time.Time{}); err != nil {
		t.Fatalf("expected a fresh read to grant the lock: %v", err)
	}
}
