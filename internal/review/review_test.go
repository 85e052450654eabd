package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-review/internal/apperr"
	"github.com/loqalabs/loqa-review/internal/config"
	"github.com/loqalabs/loqa-review/internal/protocol"
	"github.com/loqalabs/loqa-review/internal/snapshot"
	"github.com/loqalabs/loqa-review/internal/store"
	"github.com/loqalabs/loqa-review/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]protocol.SegmentEvent
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]protocol.SegmentEvent)
	}
	if ev, ok := v.(protocol.SegmentEvent); ok {
		p.events[subject] = append(p.events[subject], ev)
	}
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[subject])
}

type failingSnapshots struct {
	err   error
	calls int
}

func (f *failingSnapshots) Write(context.Context, store.Audio, []store.Segment) (snapshot.Artifacts, error) {
	f.calls++
	return snapshot.Artifacts{}, f.err
}

func (f *failingSnapshots) Remove(snapshot.Artifacts) error { return nil }

// gatedSnapshots parks the first Write until open is called.
type gatedSnapshots struct {
	SnapshotWriter
	entered   chan struct{}
	release   chan struct{}
	enterOnce sync.Once
	openOnce  sync.Once
}

func newGatedSnapshots(t *testing.T) *gatedSnapshots {
	t.Helper()
	w, err := snapshot.NewWriter(t.TempDir(), newLogger())
	if err != nil {
		t.Fatalf("snapshot writer: %v", err)
	}
	g := &gatedSnapshots{SnapshotWriter: w, entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gatedSnapshots) Write(ctx context.Context, audio store.Audio, segments []store.Segment) (snapshot.Artifacts, error) {
	first := false
	g.enterOnce.Do(func() {
		first = true
		close(g.entered)
	})
	if first {
		<-g.release
	}
	return g.SnapshotWriter.Write(ctx, audio, segments)
}

func (g *gatedSnapshots) open() { g.openOnce.Do(func() { close(g.release) }) }

type fixture struct {
	store     *store.Store
	queue     *Queue
	arbiter   *Arbiter
	committer *Committer
	pub       *recordingPublisher
	versions  string
	ids       []int64
}

func word(text string, review bool) transcript.Word {
	return transcript.Word{Word: text, Start: 0, End: 0.1, Probability: 0.5, Review: review}
}

func newFixture(t *testing.T, snapshots SnapshotWriter) *fixture {
	t.Helper()
	ctx := context.Background()
	log := newLogger()
	dir := t.TempDir()

	s, err := store.Open(ctx, config.StoreConfig{Path: filepath.Join(dir, "review.db"), BusyTimeoutMS: 5000}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	audio, err := s.UpsertAudio(ctx, "entrevista", "entrevista.mp3", nil)
	if err != nil {
		t.Fatalf("upsert audio: %v", err)
	}
	_, _, err = s.ImportSegments(ctx, audio.ID, []transcript.Segment{
		{Start: 0, End: 1, Text: " el gato come", Words: []transcript.Word{word(" el", false), word(" gato", true), word(" come", true)}},
		{Start: 1, End: 2, Text: " todo bien", Words: []transcript.Word{word(" todo", false), word(" bien", false)}},
		{Start: 2, End: 3, Text: " otra frase", Words: []transcript.Word{word(" otra", true), word(" frase", false)}},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	segs, err := s.AudioSegments(ctx, audio.ID)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}

	versions := filepath.Join(dir, "versiones")
	if snapshots == nil {
		w, err := snapshot.NewWriter(versions, log)
		if err != nil {
			t.Fatalf("snapshot writer: %v", err)
		}
		snapshots = w
	}

	pub := &recordingPublisher{}
	queue := NewQueue(s)
	arbiter := NewArbiter(s, 0, pub, log)
	f := &fixture{
		store:     s,
		queue:     queue,
		arbiter:   arbiter,
		committer: NewCommitter(s, arbiter, queue, snapshots, pub, log),
		pub:       pub,
		versions:  versions,
	}
	for _, seg := range segs {
		f.ids = append(f.ids, seg.ID)
	}
	return f
}

func (f *fixture) segment(t *testing.T, id int64) store.Segment {
	t.Helper()
	seg, err := f.store.Segment(context.Background(), id)
	if err != nil {
		t.Fatalf("load segment %d: %v", id, err)
	}
	return seg
}

func TestQueueOrderRankNeighbors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	list, err := f.queue.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != f.ids[0] || list[1].ID != f.ids[2] {
		t.Fatalf("unexpected queue %+v", list)
	}

	rank, ok, err := f.queue.Rank(ctx, f.ids[2])
	if err != nil || !ok || rank != 1 {
		t.Fatalf("expected rank 1, got %d %v %v", rank, ok, err)
	}
	if _, ok, _ := f.queue.Rank(ctx, f.ids[1]); ok {
		t.Fatal("segment without flagged words must not be queued")
	}

	prev, next, err := f.queue.Neighbors(ctx, f.ids[0])
	if err != nil || prev != nil || next == nil || *next != f.ids[2] {
		t.Fatalf("unexpected neighbors prev=%v next=%v err=%v", prev, next, err)
	}
	prev, next, _ = f.queue.Neighbors(ctx, f.ids[1])
	if prev != nil || next != nil {
		t.Fatal("expected no neighbors for a segment outside the queue")
	}

	seen := 0
	err = f.queue.Iterate(ctx, func(store.Segment) error {
		seen++
		return ErrStop
	})
	if err != nil || seen != 1 {
		t.Fatalf("expected iteration to stop after one segment, saw %d (%v)", seen, err)
	}
}

func TestArbiterAcquireReleaseAndConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ids[0]

	lock, err := f.arbiter.Acquire(ctx, id, "ana")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	again, err := f.arbiter.Acquire(ctx, id, "ana")
	if err != nil || !again.AcquiredAt.Equal(lock.AcquiredAt) {
		t.Fatalf("expected re-entrant acquire, got %+v %v", again, err)
	}
	if f.pub.count(protocol.SubjectSegmentLocked) != 1 {
		t.Fatalf("expected a single locked event, got %d", f.pub.count(protocol.SubjectSegmentLocked))
	}

	if _, err := f.arbiter.Acquire(ctx, id, "beto"); !apperr.Is(err, apperr.KindLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if _, err := f.arbiter.Acquire(ctx, 9999, "ana"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.arbiter.Acquire(ctx, id, ""); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if err := f.arbiter.Release(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := f.arbiter.Release(ctx, 9999); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found on release, got %v", err)
	}
	if _, err := f.arbiter.Acquire(ctx, id, "beto"); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}

func TestArbiterTakesOverExpiredLock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ids[0]

	if _, err := f.arbiter.Acquire(ctx, id, "ana"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ttl := NewArbiter(f.store, time.Minute, nil, newLogger())
	if _, err := ttl.Acquire(ctx, id, "beto"); !apperr.Is(err, apperr.KindLockConflict) {
		t.Fatalf("expected fresh lock to be kept, got %v", err)
	}
	ttl.clock = func() time.Time { return time.Now().Add(time.Hour) }
	lock, err := ttl.Acquire(ctx, id, "beto")
	if err != nil {
		t.Fatalf("expected takeover of expired lock, got %v", err)
	}
	if lock.Holder != "beto" {
		t.Fatalf("expected beto to hold the lock, got %+v", lock)
	}
}

func TestCommitAppliesFillsAndReleases(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ids[0]

	res, err := f.committer.Commit(ctx, id, "ana", Patch{
		Start: 0, End: 1.5, Revisado: true, Fills: map[int]string{1: "perro"},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Segment.Version != 2 || !res.Segment.Revisado || res.Segment.End != 1.5 {
		t.Fatalf("unexpected committed segment %+v", res.Segment)
	}
	if res.Segment.Lock != nil {
		t.Fatalf("expected lock to be released, got %+v", res.Segment.Lock)
	}
	if res.Prev != nil || res.Next == nil || *res.Next != f.ids[2] {
		t.Fatalf("expected next to point at the following queued segment, got prev=%v next=%v", res.Prev, res.Next)
	}

	stored := f.segment(t, id)
	if stored.Lock != nil || stored.Version != 2 || stored.Fills[1] != "perro" {
		t.Fatalf("unexpected stored segment %+v", stored)
	}

	text, err := os.ReadFile(res.Artifacts.TextPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(text) != "el perro come\ntodo bien\notra frase\n" {
		t.Fatalf("unexpected snapshot text %q", text)
	}
	if f.pub.count(protocol.SubjectSegmentCommitted) != 1 {
		t.Fatal("expected a committed event")
	}
}

func TestCommitSwitchesBetweenModes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ids[0]

	if _, err := f.committer.Commit(ctx, id, "ana", Patch{Start: 0, End: 1, Fills: map[int]string{1: "perro"}}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	res, err := f.committer.Commit(ctx, id, "ana", Patch{Start: 0, End: 1, UseFree: true, FreeText: "texto libre"})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if res.Segment.Version != 3 {
		t.Fatalf("expected version 3, got %d", res.Segment.Version)
	}
	if res.Segment.FreeText != "texto libre" || len(res.Segment.Fills) != 0 {
		t.Fatalf("expected free text to clear fills, got %+v", res.Segment)
	}

	res, err = f.committer.Commit(ctx, id, "ana", Patch{Start: 0, End: 1, Fills: map[int]string{2: "bebe"}})
	if err != nil {
		t.Fatalf("third commit: %v", err)
	}
	if res.Segment.FreeText != "" || res.Segment.Fills[2] != "bebe" {
		t.Fatalf("expected fills to clear free text, got %+v", res.Segment)
	}
}

func TestCommitRefusedWhileAnotherReviewerHoldsLock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ids[0]

	if _, err := f.arbiter.Acquire(ctx, id, "ana"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := f.committer.Commit(ctx, id, "beto", Patch{Start: 0, End: 1, UseFree: true, FreeText: "x"})
	if !apperr.Is(err, apperr.KindLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	seg := f.segment(t, id)
	if seg.Version != 1 || seg.FreeText != "" || seg.Lock == nil || seg.Lock.Holder != "ana" {
		t.Fatalf("expected untouched segment still held by ana, got %+v", seg)
	}

	res, err := f.committer.Commit(ctx, id, "ana", Patch{Start: 0, End: 1, UseFree: true, FreeText: "y"})
	if err != nil || res.Segment.Version != 2 {
		t.Fatalf("expected holder to commit, got %+v %v", res.Segment, err)
	}
}

func TestCommitSnapshotFailureRollsBack(t *testing.T) {
	snaps := &failingSnapshots{err: errors.New("disk full")}
	f := newFixture(t, snaps)
	ctx := context.Background()
	id := f.ids[0]

	_, err := f.committer.Commit(ctx, id, "ana", Patch{Start: 0, End: 1, Revisado: true, UseFree: true, FreeText: "x"})
	if !apperr.Is(err, apperr.KindPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	seg := f.segment(t, id)
	if seg.Version != 1 || seg.Revisado || seg.FreeText != "" {
		t.Fatalf("expected rolled back content, got %+v", seg)
	}
	if seg.Lock != nil {
		t.Fatalf("expected lock released after failed commit, got %+v", seg.Lock)
	}

	// a lock held before the commit survives its failure
	if _, err := f.arbiter.Acquire(ctx, id, "ana"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.committer.Commit(ctx, id, "ana", Patch{Start: 0, End: 1}); err == nil {
		t.Fatal("expected failure")
	}
	seg = f.segment(t, id)
	if seg.Lock == nil || seg.Lock.Holder != "ana" {
		t.Fatalf("expected ana to keep the lock, got %+v", seg.Lock)
	}
	if snaps.calls != 2 {
		t.Fatalf("expected 2 snapshot attempts, got %d", snaps.calls)
	}
}

func TestCommitValidationFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ids[0]

	if _, err := f.committer.Commit(ctx, 9999, "ana", Patch{Start: 0, End: 1}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.committer.Commit(ctx, id, "", Patch{Start: 0, End: 1}); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.committer.Commit(ctx, id, "ana", Patch{Start: 2, End: 1}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err := f.committer.Commit(ctx, id, "ana", Patch{Start: 0, End: 1, Fills: map[int]string{7: "x"}})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected out of range fill to be rejected, got %v", err)
	}
	_, err = f.committer.Commit(ctx, id, "ana", Patch{Start: 1, End: 2})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected duplicate bounds to be rejected, got %v", err)
	}

	seg := f.segment(t, id)
	if seg.Version != 1 || seg.Lock != nil {
		t.Fatalf("expected untouched unlocked segment, got %+v", seg)
	}
	if entries, _ := os.ReadDir(f.versions); len(entries) != 0 {
		t.Fatalf("expected no snapshots, found %d", len(entries))
	}
}

func TestConcurrentCommitsNeverLoseUpdates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ids[0]

	const reviewers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		latest    CommitResult
		winner    string
	)
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			caller := string(rune('a' + n))
			res, err := f.committer.Commit(ctx, id, caller, Patch{Start: 0, End: 1, UseFree: true, FreeText: caller})
			if err != nil {
				if !apperr.Is(err, apperr.KindLockConflict) {
					t.Errorf("reviewer %s: unexpected error %v", caller, err)
				}
				return
			}
			mu.Lock()
			successes++
			if res.Segment.Version > latest.Segment.Version {
				latest, winner = res, caller
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if successes == 0 {
		t.Fatal("expected at least one commit to succeed")
	}
	seg := f.segment(t, id)
	if seg.Version != 1+successes {
		t.Fatalf("expected version %d after %d commits, got %d", 1+successes, successes, seg.Version)
	}
	if seg.FreeText != winner {
		t.Fatalf("expected content of the last commit %q, got %q", winner, seg.FreeText)
	}
	if seg.Lock != nil {
		t.Fatalf("expected segment unlocked at rest, got %+v", seg.Lock)
	}
}

func TestCommitConflictsWhileAnotherCommitIsInFlight(t *testing.T) {
	gate := newGatedSnapshots(t)
	f := newFixture(t, gate)
	ctx := context.Background()
	id := f.ids[0]

	done := make(chan error, 1)
	go func() {
		_, err := f.committer.Commit(ctx, id, "ana", Patch{Start: 0, End: 1, UseFree: true, FreeText: "ana"})
		done <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first commit never reached the snapshot")
	}

	started := time.Now()
	_, err := f.committer.Commit(ctx, id, "beto", Patch{Start: 0, End: 1, UseFree: true, FreeText: "beto"})
	if !apperr.Is(err, apperr.KindLockConflict) {
		gate.open()
		t.Fatalf("expected lock conflict while ana commits, got %v", err)
	}
	if _, err := f.arbiter.Acquire(ctx, id, "beto"); !apperr.Is(err, apperr.KindLockConflict) {
		gate.open()
		t.Fatalf("expected lock request to conflict while ana commits, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("expected conflicts without waiting on the writer, took %s", elapsed)
	}

	gate.open()
	if err := <-done; err != nil {
		t.Fatalf("ana's commit: %v", err)
	}
	seg := f.segment(t, id)
	if seg.Version != 2 || seg.FreeText != "ana" || seg.Lock != nil {
		t.Fatalf("expected only ana's commit to land, got version=%d free_text=%q lock=%+v", seg.Version, seg.FreeText, seg.Lock)
	}
}

func TestCommitsOnSiblingSegmentsSnapshotBothEdits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []CommitResult
	)
	edits := []struct {
		id         int64
		start, end float64
		text       string
	}{
		{id: f.ids[0], start: 0, end: 1, text: "a"},
		{id: f.ids[2], start: 2, end: 3, text: "b"},
	}
	for _, e := range edits {
		wg.Add(1)
		go func(id int64, start, end float64, text string) {
			defer wg.Done()
			res, err := f.committer.Commit(ctx, id, text, Patch{Start: start, End: end, UseFree: true, FreeText: text})
			if err != nil {
				t.Errorf("commit %d: %v", id, err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(e.id, e.start, e.end, e.text)
	}
	wg.Wait()
	if len(results) != 2 {
		t.FailNow()
	}

	latest := results[0].Artifacts
	if results[1].Artifacts.Timestamp.After(latest.Timestamp) {
		latest = results[1].Artifacts
	}
	raw, err := os.ReadFile(latest.TextPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(raw) != "a\ntodo bien\nb\n" {
		t.Fatalf("expected the latest snapshot to carry both edits, got %q", raw)
	}
}

func TestParsePatch(t *testing.T) {
	tests := []struct {
		name    string
		form    url.Values
		want    Patch
		wantErr bool
	}{
		{
			name: "fills",
			form: url.Values{"start": {"0.5"}, "end": {"2"}, "revisado": {"on"}, "fill_1": {" perro "}, "free_text": {"ignored"}},
			want: Patch{Start: 0.5, End: 2, Revisado: true, Fills: map[int]string{1: "perro"}},
		},
		{
			name: "free text",
			form: url.Values{"start": {"0"}, "end": {"1"}, "use_free": {"true"}, "free_text": {" hola "}, "fill_0": {"x"}},
			want: Patch{Start: 0, End: 1, UseFree: true, FreeText: "hola"},
		},
		{name: "non numeric start", form: url.Values{"start": {"abc"}, "end": {"1"}}, wantErr: true},
		{name: "missing end", form: url.Values{"start": {"0"}}, wantErr: true},
		{name: "start after end", form: url.Values{"start": {"3"}, "end": {"1"}}, wantErr: true},
		{name: "equal bounds", form: url.Values{"start": {"1"}, "end": {"1"}}, wantErr: true},
		{name: "nan", form: url.Values{"start": {"NaN"}, "end": {"1"}}, wantErr: true},
		{name: "bad fill index", form: url.Values{"start": {"0"}, "end": {"1"}, "fill_x": {"a"}}, wantErr: true},
		{name: "negative fill index", form: url.Values{"start": {"0"}, "end": {"1"}, "fill_-1": {"a"}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePatch(tc.form)
			if tc.wantErr {
				if !apperr.Is(err, apperr.KindValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Start != tc.want.Start || got.End != tc.want.End || got.Revisado != tc.want.Revisado ||
				got.UseFree != tc.want.UseFree || got.FreeText != tc.want.FreeText || len(got.Fills) != len(tc.want.Fills) {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
			for k, v := range tc.want.Fills {
				if got.Fills[k] != v {
					t.Fatalf("expected fill %d=%q, got %q", k, v, got.Fills[k])
				}
			}
		})
	}
}

type erroringPublisher struct{ err error }

func (p erroringPublisher) PublishJSON(string, any) error { return p.err }

func TestFanoutDeliversToEveryPublisher(t *testing.T) {
	first, second := &recordingPublisher{}, &recordingPublisher{}
	boom := errors.New("bus down")
	pub := Fanout(first, nil, erroringPublisher{err: boom}, second)

	err := pub.PublishJSON(protocol.SubjectSegmentLocked, protocol.SegmentEvent{SegmentID: 1})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined publish error, got %v", err)
	}
	if first.count(protocol.SubjectSegmentLocked) != 1 || second.count(protocol.SubjectSegmentLocked) != 1 {
		t.Fatal("expected both publishers to receive the event despite the failure in between")
	}
	if err := Fanout().PublishJSON("x", nil); err != nil {
		t.Fatalf("empty fanout should be a no-op, got %v", err)
	}
}
