package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-review/internal/apperr"
	"github.com/loqalabs/loqa-review/internal/protocol"
	"github.com/loqalabs/loqa-review/internal/snapshot"
	"github.com/loqalabs/loqa-review/internal/store"
)

// SnapshotWriter exports the review state of an audio. *snapshot.Writer
// satisfies it.
type SnapshotWriter interface {
	Write(ctx context.Context, audio store.Audio, segments []store.Segment) (snapshot.Artifacts, error)
	Remove(art snapshot.Artifacts) error
}

// CommitResult is the committed segment plus the queue around it.
type CommitResult struct {
	Segment   store.Segment      `json:"segment"`
	Prev      *int64             `json:"prev"`
	Next      *int64             `json:"next"`
	Artifacts snapshot.Artifacts `json:"artifacts"`
}

// Committer applies reviewer edits as versioned, snapshotted commits.
type Committer struct {
	store     *store.Store
	arbiter   *Arbiter
	queue     *Queue
	snapshots SnapshotWriter
	pub       Publisher
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   *metrics
}

func NewCommitter(s *store.Store, arbiter *Arbiter, queue *Queue, snapshots SnapshotWriter, pub Publisher, log *slog.Logger) *Committer {
	return &Committer{
		store:     s,
		arbiter:   arbiter,
		queue:     queue,
		snapshots: snapshots,
		pub:       orNop(pub),
		log:       log.With(slog.String("component", "edit-committer")),
		tracer:    otel.Tracer(instrumentationName),
		metrics:   mustMetrics(),
	}
}

// Commit locks segment id for caller (if not already held), applies patch,
// bumps the version, writes a snapshot of the whole audio and releases the
// lock. Either all of that happens or none of it does: on failure the
// segment content and version are unchanged and the lock is back to what it
// was before the call.
//
// The commit runs detached from ctx cancellation so a disconnecting client
// cannot interrupt it halfway.
func (c *Committer) Commit(ctx context.Context, id int64, caller string, patch Patch) (CommitResult, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "review.commit", trace.WithAttributes(
		attribute.Int64("segment.id", id),
		attribute.String("review.caller", caller),
	))
	defer span.End()

	started := time.Now()
	result, err := c.commit(ctx, id, caller, patch)
	c.metrics.recordCommit(ctx, outcomeOf(err), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Message(err))
		return CommitResult{}, err
	}
	span.SetAttributes(attribute.Int("segment.version", result.Segment.Version))
	return result, nil
}

func (c *Committer) commit(ctx context.Context, id int64, caller string, patch Patch) (CommitResult, error) {
	if caller == "" {
		return CommitResult{}, apperr.Unauthorized("missing caller identity")
	}
	if err := patch.Validate(); err != nil {
		return CommitResult{}, err
	}

	// committed before the edit transaction opens so a concurrent committer
	// sees the lock and fails fast
	acq, err := c.arbiter.acquire(ctx, id, caller)
	if err != nil {
		return CommitResult{}, err
	}

	var (
		saved   store.Segment
		art     snapshot.Artifacts
		written bool
	)
	err = c.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.Segment(ctx, id)
		if err != nil {
			return err
		}
		if err := patch.validateFor(current); err != nil {
			return err
		}
		saved, err = tx.ApplyEdit(ctx, id, caller, patch.edit())
		if err != nil {
			return err
		}
		audio, err := tx.Audio(ctx, saved.AudioID)
		if err != nil {
			return err
		}
		segments, err := tx.AudioSegments(ctx, saved.AudioID)
		if err != nil {
			return err
		}
		art, err = c.snapshots.Write(ctx, audio, segments)
		if err != nil {
			return &snapshotError{err: err}
		}
		written = true
		return tx.ReleaseLock(ctx, id)
	})
	if err != nil {
		if written {
			if rmErr := c.snapshots.Remove(art); rmErr != nil {
				c.log.Error("failed to remove snapshot of rolled back commit",
					slog.Int64("segment_id", id), slog.String("error", rmErr.Error()))
			}
		}
		c.arbiter.restore(ctx, id, caller, acq)
		return CommitResult{}, c.classify(id, caller, err)
	}
	saved.Lock = nil

	c.log.Info("segment committed",
		slog.Int64("segment_id", id),
		slog.String("audio", saved.AudioTitle),
		slog.String("caller", caller),
		slog.Int("version", saved.Version),
		slog.String("snapshot", art.JSONPath))

	ev := newEvent(id, caller, saved.UpdatedAt)
	ev.AudioTitle = saved.AudioTitle
	ev.Version = saved.Version
	ev.Revisado = saved.Revisado
	emit(c.log, c.pub, protocol.SubjectSegmentCommitted, ev)

	result := CommitResult{Segment: saved, Artifacts: art}
	prev, next, err := c.queue.Around(ctx, saved)
	if err != nil {
		c.log.Warn("failed to load queue neighbors",
			slog.Int64("segment_id", id), slog.String("error", err.Error()))
		return result, nil
	}
	result.Prev, result.Next = prev, next
	return result, nil
}

type snapshotError struct{ err error }

func (e *snapshotError) Error() string { return "write snapshot: " + e.err.Error() }
func (e *snapshotError) Unwrap() error { return e.err }

func (c *Committer) classify(id int64, caller string, err error) error {
	var (
		appErr  *apperr.Error
		snapErr *snapshotError
	)
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("segment", formatID(id))
	case errors.Is(err, store.ErrLockNotHeld):
		// only reachable when a stale lock was taken over mid-commit
		c.metrics.recordConflict(context.Background())
		return apperr.LockConflict(id, "")
	case errors.Is(err, store.ErrDuplicateBounds):
		return apperr.Validation("start", "another segment of this audio already has these bounds")
	case errors.As(err, &snapErr):
		c.log.Error("snapshot failed, commit rolled back",
			slog.Int64("segment_id", id), slog.String("caller", caller), slog.String("error", err.Error()))
		return apperr.Persistence("write snapshot", snapErr.err)
	default:
		c.log.Error("commit failed, rolled back",
			slog.Int64("segment_id", id), slog.String("caller", caller), slog.String("error", err.Error()))
		return apperr.Persistence("commit segment", err)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return outcomeCommitted
	}
	switch apperr.KindOf(err) {
	case apperr.KindLockConflict:
		return outcomeConflict
	case apperr.KindValidation:
		return outcomeInvalid
	case apperr.KindNotFound:
		return outcomeNotFound
	case apperr.KindUnauthorized:
		return outcomeUnauthorized
	default:
		return outcomeFailed
	}
}
