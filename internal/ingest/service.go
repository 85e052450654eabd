package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-review/internal/apperr"
	"github.com/loqalabs/loqa-review/internal/bus"
	"github.com/loqalabs/loqa-review/internal/protocol"
)

const (
	// StreamName is the JetStream stream buffering transcript-ready events
	// while no review daemon is consuming.
	StreamName  = "REVIEW_TRANSCRIPTS"
	durableName = "review-ingest"
)

// Service imports transcripts announced on the bus.
type Service struct {
	bus      *bus.Client
	importer *Importer
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	ready    atomic.Bool
}

func NewService(parent context.Context, busClient *bus.Client, importer *Importer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		importer: importer,
		log:      log.With(slog.String("component", "ingest-service")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if err := s.bus.EnsureStream(StreamName, protocol.SubjectTranscriptReady); err != nil {
		return err
	}
	sub, err := s.bus.JetStream().Subscribe(protocol.SubjectTranscriptReady, s.handleMsg,
		nats.Durable(durableName),
		nats.ManualAck(),
		nats.AckWait(time.Minute),
		nats.MaxDeliver(5),
	)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	s.log.Info("listening for transcripts", slog.String("subject", protocol.SubjectTranscriptReady))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
	s.ready.Store(false)
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

func (s *Service) handleMsg(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	err := s.Handle(s.ctx, msg.Data)
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			s.log.Warn("failed to ack transcript", slogError(ackErr))
		}
	case apperr.Is(err, apperr.KindValidation):
		// redelivery cannot fix a bad payload
		s.log.Warn("rejected transcript", slogError(err))
		_ = msg.Term()
	default:
		s.log.Error("transcript import failed, will retry", slogError(err))
		_ = msg.Nak()
	}
}

// Handle imports one encoded TranscriptReady event.
func (s *Service) Handle(ctx context.Context, data []byte) error {
	var ev protocol.TranscriptReady
	if err := json.Unmarshal(data, &ev); err != nil {
		return apperr.Validation("", fmt.Sprintf("decode transcript event: %v", err))
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := s.importer.ImportTranscript(ctx, ev.Title, ev.AudioFile, ev.Metadata, ev.Segments, ev.Flagged)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
