package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-review/internal/apperr"
	"github.com/loqalabs/loqa-review/internal/bus"
	"github.com/loqalabs/loqa-review/internal/config"
	"github.com/loqalabs/loqa-review/internal/natsserver"
	"github.com/loqalabs/loqa-review/internal/protocol"
	"github.com/loqalabs/loqa-review/internal/store"
	"github.com/loqalabs/loqa-review/internal/transcript"
)

func TestHandleDecodesAndImports(t *testing.T) {
	s := openStore(t)
	im := NewImporter(s, t.TempDir(), transcript.DefaultFlagOptions(), newLogger())
	svc := NewService(context.Background(), nil, im, newLogger())

	payload, err := json.Marshal(protocol.TranscriptReady{Title: "podcast", AudioFile: "podcast.mp3", Segments: rawSegments()})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Handle(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := s.AudioByTitle(context.Background(), "podcast"); err != nil {
		t.Fatalf("expected audio to be imported: %v", err)
	}

	if err := svc.Handle(context.Background(), []byte("{not json")); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for malformed payload, got %v", err)
	}
}

func TestServiceConsumesBusEvents(t *testing.T) {
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	s := openStore(t)
	im := NewImporter(s, t.TempDir(), transcript.DefaultFlagOptions(), log)
	svc := NewService(context.Background(), client, im, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected service to report healthy")
	}

	ev := protocol.TranscriptReady{Title: "entrevista", AudioFile: "entrevista.mp3", Segments: rawSegments()}
	if err := client.PublishJSON(protocol.SubjectTranscriptReady, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		audio, err := s.AudioByTitle(context.Background(), "entrevista")
		if err == nil {
			segs, err := s.AudioSegments(context.Background(), audio.ID)
			if err == nil && len(segs) == 2 {
				return
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("lookup audio: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("transcript was not imported from the bus")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
