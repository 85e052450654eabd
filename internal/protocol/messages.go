package protocol

import (
	"time"

	"github.com/loqalabs/loqa-review/internal/transcript"
)

// TranscriptReady announces a flagged (or raw) transcript ready for review.
type TranscriptReady struct {
	Title     string               `json:"title"`
	AudioFile string               `json:"audio_file"`
	Metadata  map[string]any       `json:"metadata,omitempty"`
	Flagged   bool                 `json:"flagged,omitempty"`
	Segments  []transcript.Segment `json:"segments"`
}

// SegmentEvent reports a lock or commit transition of a segment.
type SegmentEvent struct {
	EventID    string    `json:"event_id"`
	SegmentID  int64     `json:"segment_id"`
	AudioTitle string    `json:"audio_title,omitempty"`
	Caller     string    `json:"caller,omitempty"`
	Version    int       `json:"version,omitempty"`
	Revisado   bool      `json:"revisado,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptReady  = "review.transcript.ready"
	SubjectSegmentCommitted = "review.segment.committed"
	SubjectSegmentLocked    = "review.segment.locked"
	SubjectSegmentUnlocked  = "review.segment.unlocked"
)
