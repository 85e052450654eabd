package review

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-review/internal/protocol"
)

// Publisher delivers JSON events to the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type nopPublisher struct{}

func (nopPublisher) PublishJSON(string, any) error { return nil }

func orNop(pub Publisher) Publisher {
	if pub == nil {
		return nopPublisher{}
	}
	return pub
}

type fanout []Publisher

func (f fanout) PublishJSON(subject string, v any) error {
	var errs []error
	for _, pub := range f {
		if err := pub.PublishJSON(subject, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout delivers every event to each publisher in turn. Nil publishers are
// skipped.
func Fanout(pubs ...Publisher) Publisher {
	var out fanout
	for _, pub := range pubs {
		if pub != nil {
			out = append(out, pub)
		}
	}
	if len(out) == 0 {
		return nopPublisher{}
	}
	return out
}

func newEvent(segmentID int64, caller string, now time.Time) protocol.SegmentEvent {
	return protocol.SegmentEvent{
		EventID:   uuid.NewString(),
		SegmentID: segmentID,
		Caller:    caller,
		Timestamp: now.UTC(),
	}
}

// publishing is best effort; failures are logged and never surface to callers
func emit(log *slog.Logger, pub Publisher, subject string, ev protocol.SegmentEvent) {
	if err := pub.PublishJSON(subject, ev); err != nil {
		log.Warn("failed to publish segment event",
			slog.String("subject", subject),
			slog.Int64("segment_id", ev.SegmentID),
			slog.String("error", err.Error()))
	}
}
