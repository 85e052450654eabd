// Package review arbitrates segment locks, orders the review queue and
// commits reviewer edits.
package review

import (
	"context"
	"errors"
	"strconv"

	"github.com/loqalabs/loqa-review/internal/apperr"
	"github.com/loqalabs/loqa-review/internal/store"
)

// ErrStop ends an Iterate traversal early without reporting an error.
var ErrStop = errors.New("review: stop iteration")

// Queue is the ordered view of segments awaiting review: not yet revisado
// and with at least one flagged word, ordered by audio title then start.
// Every call reads the store afresh.
type Queue struct {
	store *store.Store
}

func NewQueue(s *store.Store) *Queue {
	return &Queue{store: s}
}

// List returns the full queue.
func (q *Queue) List(ctx context.Context) ([]store.Segment, error) {
	segs, err := q.store.PendingSegments(ctx)
	if err != nil {
		return nil, apperr.Persistence("list pending segments", err)
	}
	if segs == nil {
		segs = []store.Segment{}
	}
	return segs, nil
}

// Iterate calls fn for each queued segment in order. Returning ErrStop from
// fn ends the traversal cleanly; any other error is passed back.
func (q *Queue) Iterate(ctx context.Context, fn func(store.Segment) error) error {
	err := q.store.IteratePending(ctx, fn)
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

// Len returns the number of queued segments.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.store.CountPending(ctx)
	if err != nil {
		return 0, apperr.Persistence("count pending segments", err)
	}
	return n, nil
}

// Rank returns the 0-based position of id in the queue.
func (q *Queue) Rank(ctx context.Context, id int64) (int, bool, error) {
	ids, err := q.store.PendingIDs(ctx)
	if err != nil {
		return 0, false, apperr.Persistence("list pending ids", err)
	}
	for i, candidate := range ids {
		if candidate == id {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// Neighbors returns the queued ids immediately before and after id. Both are
// nil when id is not queued.
func (q *Queue) Neighbors(ctx context.Context, id int64) (prev, next *int64, err error) {
	ids, err := q.store.PendingIDs(ctx)
	if err != nil {
		return nil, nil, apperr.Persistence("list pending ids", err)
	}
	for i, candidate := range ids {
		if candidate != id {
			continue
		}
		if i > 0 {
			p := ids[i-1]
			prev = &p
		}
		if i+1 < len(ids) {
			n := ids[i+1]
			next = &n
		}
		return prev, next, nil
	}
	return nil, nil, nil
}

// Around returns the queued ids on either side of where seg sorts, whether
// or not seg itself is still queued. Used to move a reviewer on after a
// commit takes the segment out of the queue.
func (q *Queue) Around(ctx context.Context, seg store.Segment) (prev, next *int64, err error) {
	err = q.Iterate(ctx, func(p store.Segment) error {
		if p.ID == seg.ID {
			return nil
		}
		id := p.ID
		if sortsBefore(p, seg) {
			prev = &id
			return nil
		}
		next = &id
		return ErrStop
	})
	if err != nil {
		return nil, nil, apperr.Persistence("walk pending segments", err)
	}
	return prev, next, nil
}

func sortsBefore(a, b store.Segment) bool {
	if a.AudioTitle != b.AudioTitle {
		return a.AudioTitle < b.AudioTitle
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.ID < b.ID
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Segment loads a single segment whether or not it is queued.
func (q *Queue) Segment(ctx context.Context, id int64) (store.Segment, error) {
	seg, err := q.store.Segment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Segment{}, apperr.NotFound("segment", formatID(id))
	}
	if err != nil {
		return store.Segment{}, apperr.Persistence("load segment", err)
	}
	return seg, nil
}
