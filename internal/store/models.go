package store

import (
	"time"

	"github.com/loqalabs/loqa-review/internal/transcript"
)

// Audio is an ingested recording. File is relative to the media root.
type Audio struct {
	ID        int64          `json:"id"`
	Title     string         `json:"title"`
	File      string         `json:"file"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Lock records which caller holds a segment and since when.
type Lock struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Segment is the persisted review state of one transcript segment.
type Segment struct {
	ID         int64             `json:"id"`
	AudioID    int64             `json:"audio_id"`
	AudioTitle string            `json:"audio_title"`
	AudioFile  string            `json:"audio_file"`
	Start      float64           `json:"start"`
	End        float64           `json:"end"`
	Text       string            `json:"text"`
	Words      []transcript.Word `json:"words"`
	Fills      map[int]string    `json:"fills,omitempty"`
	FreeText   string            `json:"free_text,omitempty"`
	Revisado   bool              `json:"revisado"`
	Version    int               `json:"version"`
	Lock       *Lock             `json:"lock,omitempty"`

	AvgLogprob          *float64 `json:"avg_logprob,omitempty"`
	AvgReviewThreshold  float64  `json:"avg_review_threshold"`
	Review              bool     `json:"review"`
	WordReviewThreshold *float64 `json:"word_review_threshold,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasFlaggedWords reports whether any word is marked for review.
func (s Segment) HasFlaggedWords() bool {
	return countFlagged(s.Words) > 0
}

// Pending reports whether the segment belongs in the review queue.
func (s Segment) Pending() bool {
	return !s.Revisado && s.HasFlaggedWords()
}

// Edit carries the fields a commit may change. At most one of Fills and
// FreeText is non-empty.
type Edit struct {
	Start    float64
	End      float64
	Revisado bool
	Fills    map[int]string
	FreeText string
}

// AcquireResult describes a successful lock acquisition.
type AcquireResult struct {
	Lock Lock
	// Reentrant is true when the caller already held the lock.
	Reentrant bool
}

func countFlagged(words []transcript.Word) int {
	n := 0
	for _, w := range words {
		if w.Review {
			n++
		}
	}
	return n
}
