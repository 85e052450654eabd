package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLock grants the segment lock to holder when it is free, already held
// by holder, or held by someone else since before staleBefore (a zero
// staleBefore disables takeover).
//
// The lock is first read outside any transaction, so a lock held by another
// caller is reported at once even while that caller's commit owns the write
// lock. The grant runs in an IMMEDIATE transaction and fails with a
// LockedError if the segment version moved since that first read.
func (s *Store) AcquireLock(ctx context.Context, id int64, holder string, staleBefore time.Time) (AcquireResult, error) {
	seen, err := readLockState(ctx, s.db, id)
	if err != nil {
		return AcquireResult{}, err
	}
	if seen.heldByOther(holder, staleBefore) {
		return AcquireResult{}, &LockedError{Holder: seen.holder.String, AcquiredAt: seen.acquiredAt()}
	}
	return s.grantLock(ctx, id, holder, staleBefore, seen)
}

func (s *Store) grantLock(ctx context.Context, id int64, holder string, staleBefore time.Time, seen lockState) (AcquireResult, error) {
	var result AcquireResult
	err := s.WithTx(ctx, func(tx *Tx) error {
		current, err := readLockState(ctx, tx.tx, id)
		if err != nil {
			return err
		}

		if current.holder.Valid && current.holder.String == holder {
			result = AcquireResult{
				Lock:      Lock{Holder: holder, AcquiredAt: current.acquiredAt()},
				Reentrant: true,
			}
			return nil
		}
		if current.heldByOther(holder, staleBefore) || current.version != seen.version {
			return &LockedError{Holder: current.holder.String, AcquiredAt: current.acquiredAt()}
		}

		stale := ""
		if !staleBefore.IsZero() {
			stale = formatTime(staleBefore)
		}
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE segments SET lock_holder = ?, locked_at = ?
             WHERE id = ? AND version = ? AND (lock_holder IS NULL OR (? <> '' AND locked_at < ?))`,
			holder, formatTime(tx.now), id, seen.version, stale, stale)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if n == 0 {
			return &LockedError{Holder: current.holder.String}
		}
		result = AcquireResult{Lock: Lock{Holder: holder, AcquiredAt: tx.now}}
		return nil
	})
	if err != nil {
		return AcquireResult{}, err
	}
	return result, nil
}

type lockState struct {
	holder   sql.NullString
	lockedAt sql.NullString
	version  int
}

func readLockState(ctx context.Context, q querier, id int64) (lockState, error) {
	var st lockState
	err := q.QueryRowContext(ctx,
		`SELECT lock_holder, locked_at, version FROM segments WHERE id = ?`, id).
		Scan(&st.holder, &st.lockedAt, &st.version)
	if errors.Is(err, sql.ErrNoRows) {
		return lockState{}, ErrNotFound
	}
	if err != nil {
		return lockState{}, fmt.Errorf("read lock: %w", err)
	}
	return st, nil
}

func (st lockState) acquiredAt() time.Time {
	if !st.lockedAt.Valid {
		return time.Time{}
	}
	return parseTime(st.lockedAt.String)
}

// heldByOther reports whether someone other than holder owns a lock that is
// not yet stale.
func (st lockState) heldByOther(holder string, staleBefore time.Time) bool {
	if !st.holder.Valid || st.holder.String == holder {
		return false
	}
	return staleBefore.IsZero() || !st.acquiredAt().Before(staleBefore)
}

// ReleaseLock clears the segment lock regardless of who holds it.
func (s *Store) ReleaseLock(ctx context.Context, id int64) error {
	return releaseLock(ctx, s.db, id)
}

// ReleaseLock clears the segment lock inside the transaction.
func (t *Tx) ReleaseLock(ctx context.Context, id int64) error {
	return releaseLock(ctx, t.tx, id)
}

func releaseLock(ctx context.Context, q querier, id int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE segments SET lock_holder = NULL, locked_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseLockHeldBy clears the segment lock only while holder still owns it.
// It reports whether a lock was cleared.
func (s *Store) ReleaseLockHeldBy(ctx context.Context, id int64, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET lock_holder = NULL, locked_at = NULL WHERE id = ? AND lock_holder = ?`, id, holder)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return n > 0, nil
}
