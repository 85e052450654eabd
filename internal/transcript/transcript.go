package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/loqalabs/loqa-review/internal/apperr"
)

// Word is a single recognized token with its timing and confidence.
type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start" validate:"gte=0"`
	End         float64 `json:"end" validate:"gtefield=Start"`
	Probability float64 `json:"probability" validate:"gte=0,lte=1"`
	Review      bool    `json:"review"`
}

// Segment is one time-bounded unit of a transcript as produced by the
// transcription model, plus the review annotations added by Flag.
type Segment struct {
	Start            float64  `json:"start" validate:"gte=0"`
	End              float64  `json:"end" validate:"gtfield=Start"`
	Text             string   `json:"text"`
	AvgLogprob       *float64 `json:"avg_logprob,omitempty"`
	CompressionRatio *float64 `json:"compression_ratio,omitempty"`
	NoSpeechProb     *float64 `json:"no_speech_prob,omitempty"`
	Words            []Word   `json:"words" validate:"dive"`
	Audio            string   `json:"audio,omitempty"`

	AvgReviewThreshold  float64  `json:"avg_review_threshold"`
	ReviewTimestamp     bool     `json:"review_timestamp"`
	WordReviewThreshold *float64 `json:"word_review_threshold"`
}

// Transcript is an ordered sequence of segments.
type Transcript struct {
	Segments []Segment `json:"segments" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode reads a transcript encoded either as a bare segment array or as an
// object with a "segments" key.
func Decode(r io.Reader) (Transcript, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Transcript{}, fmt.Errorf("read transcript: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Transcript{}, nil
	}

	var t Transcript
	if data[0] == '[' {
		if err := json.Unmarshal(data, &t.Segments); err != nil {
			return Transcript{}, apperr.Validation("", fmt.Sprintf("decode transcript: %v", err))
		}
	} else if err := json.Unmarshal(data, &t); err != nil {
		return Transcript{}, apperr.Validation("", fmt.Sprintf("decode transcript: %v", err))
	}
	return t, nil
}

// Load reads and validates a transcript file.
func Load(path string) (Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return Transcript{}, err
	}
	defer f.Close()

	t, err := Decode(f)
	if err != nil {
		return Transcript{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(t); err != nil {
		return Transcript{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Encode writes the transcript as an indented bare segment array, the layout
// the ingest step expects for *_new_web_ready.json files.
func Encode(w io.Writer, t Transcript) error {
	segments := t.Segments
	if segments == nil {
		segments = []Segment{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(segments)
}

// Validate checks timing and probability bounds of every segment and word.
func Validate(t Transcript) error {
	err := validate.Struct(t)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("", err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	first := verrs[0].Namespace()
	return apperr.Validation(first, strings.Join(msgs, "; "))
}
