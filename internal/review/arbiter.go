package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-review/internal/apperr"
	"github.com/loqalabs/loqa-review/internal/protocol"
	"github.com/loqalabs/loqa-review/internal/store"
)

// Arbiter grants exclusive per-segment edit locks. A zero ttl means locks
// never expire and only their holder's commit or an administrative release
// frees them.
type Arbiter struct {
	store   *store.Store
	ttl     time.Duration
	pub     Publisher
	log     *slog.Logger
	metrics *metrics
	clock   func() time.Time
}

func NewArbiter(s *store.Store, ttl time.Duration, pub Publisher, log *slog.Logger) *Arbiter {
	return &Arbiter{
		store:   s,
		ttl:     ttl,
		pub:     orNop(pub),
		log:     log.With(slog.String("component", "lock-arbiter")),
		metrics: mustMetrics(),
		clock:   time.Now,
	}
}

// Acquire locks segment id for caller. It is re-entrant for the current
// holder, whose original acquisition time is kept.
func (a *Arbiter) Acquire(ctx context.Context, id int64, caller string) (store.Lock, error) {
	res, err := a.acquire(ctx, id, caller)
	if err != nil {
		return store.Lock{}, err
	}
	return res.Lock, nil
}

func (a *Arbiter) acquire(ctx context.Context, id int64, caller string) (store.AcquireResult, error) {
	if caller == "" {
		return store.AcquireResult{}, apperr.Unauthorized("missing caller identity")
	}
	var staleBefore time.Time
	if a.ttl > 0 {
		staleBefore = a.clock().Add(-a.ttl)
	}

	res, err := a.store.AcquireLock(ctx, id, caller, staleBefore)
	if err != nil {
		var locked *store.LockedError
		switch {
		case errors.Is(err, store.ErrNotFound):
			return store.AcquireResult{}, apperr.NotFound("segment", formatID(id))
		case errors.As(err, &locked):
			a.metrics.recordConflict(ctx)
			return store.AcquireResult{}, apperr.LockConflict(id, locked.Holder)
		default:
			a.log.Error("lock acquisition failed",
				slog.Int64("segment_id", id), slog.String("error", err.Error()))
			return store.AcquireResult{}, apperr.Persistence("acquire lock", err)
		}
	}

	if !res.Reentrant {
		a.log.Debug("lock acquired", slog.Int64("segment_id", id), slog.String("caller", caller))
		emit(a.log, a.pub, protocol.SubjectSegmentLocked, newEvent(id, caller, res.Lock.AcquiredAt))
	}
	return res, nil
}

// Release clears the lock on segment id whoever holds it.
func (a *Arbiter) Release(ctx context.Context, id int64) error {
	if err := a.store.ReleaseLock(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("segment", formatID(id))
		}
		a.log.Error("lock release failed",
			slog.Int64("segment_id", id), slog.String("error", err.Error()))
		return apperr.Persistence("release lock", err)
	}
	a.log.Info("lock released", slog.Int64("segment_id", id))
	emit(a.log, a.pub, protocol.SubjectSegmentUnlocked, newEvent(id, "", a.clock()))
	return nil
}

// restore undoes an acquisition made for a commit that did not go through,
// leaving a lock the caller held beforehand in place.
func (a *Arbiter) restore(ctx context.Context, id int64, caller string, res store.AcquireResult) {
	if res.Reentrant {
		return
	}
	released, err := a.store.ReleaseLockHeldBy(ctx, id, caller)
	if err != nil {
		a.log.Error("failed to restore lock after aborted commit",
			slog.Int64("segment_id", id), slog.String("error", err.Error()))
		return
	}
	if released {
		emit(a.log, a.pub, protocol.SubjectSegmentUnlocked, newEvent(id, caller, a.clock()))
	}
}
