// Package snapshot exports the full review state of an audio as immutable,
// timestamped artifacts.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/loqalabs/loqa-review/internal/store"
	"github.com/loqalabs/loqa-review/internal/transcript"
)

const timestampLayout = "20060102_150405"

// Artifacts names the files produced by one snapshot.
type Artifacts struct {
	JSONPath  string    `json:"json_path"`
	TextPath  string    `json:"text_path"`
	Timestamp time.Time `json:"timestamp"`
}

// Writer renders snapshots into a versions directory.
type Writer struct {
	dir   string
	log   *slog.Logger
	clock func() time.Time
}

type document struct {
	Segments []record `json:"segments"`
}

type record struct {
	Start    float64           `json:"start"`
	End      float64           `json:"end"`
	Text     string            `json:"text"`
	Words    []transcript.Word `json:"words"`
	Fills    map[int]string    `json:"fills"`
	FreeText *string           `json:"free_text"`
	Revisado bool              `json:"revisado"`
}

// NewWriter prepares dir for snapshot output.
func NewWriter(dir string, log *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create versions dir: %w", err)
	}
	return &Writer{
		dir:   dir,
		log:   log.With(slog.String("component", "snapshot")),
		clock: time.Now,
	}, nil
}

// Write renders the structured and plain-text artifacts for audio. segments
// must be every segment of the audio ordered by start. Either both files are
// committed or neither is left behind.
func (w *Writer) Write(ctx context.Context, audio store.Audio, segments []store.Segment) (Artifacts, error) {
	if err := ctx.Err(); err != nil {
		return Artifacts{}, err
	}

	ts := w.clock().UTC()
	stamp := ts.Format(timestampLayout) + fmt.Sprintf("_%06d", ts.Nanosecond()/1000)
	base := BaseName(audio.Title)
	art := Artifacts{
		JSONPath:  filepath.Join(w.dir, fmt.Sprintf("%s_modificado_%s.json", base, stamp)),
		TextPath:  filepath.Join(w.dir, fmt.Sprintf("%s_final_%s.txt", base, stamp)),
		Timestamp: ts,
	}

	doc := document{Segments: make([]record, 0, len(segments))}
	for _, seg := range segments {
		rec := record{
			Start:    seg.Start,
			End:      seg.End,
			Text:     seg.Text,
			Words:    seg.Words,
			Fills:    seg.Fills,
			Revisado: seg.Revisado,
		}
		if rec.Words == nil {
			rec.Words = []transcript.Word{}
		}
		if seg.FreeText != "" {
			ft := seg.FreeText
			rec.FreeText = &ft
		}
		doc.Segments = append(doc.Segments, rec)
	}
	jsonData, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Artifacts{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	textData := []byte(RenderText(segments))

	if err := w.place(art.JSONPath, jsonData); err != nil {
		return Artifacts{}, err
	}
	if err := w.place(art.TextPath, textData); err != nil {
		if rmErr := os.Remove(art.JSONPath); rmErr != nil {
			w.log.Error("failed to remove partial snapshot",
				slog.String("path", art.JSONPath), slog.String("error", rmErr.Error()))
		}
		return Artifacts{}, err
	}

	w.log.Debug("snapshot written",
		slog.String("audio", audio.Title),
		slog.String("json", art.JSONPath),
		slog.String("text", art.TextPath))
	return art, nil
}

// Remove deletes the artifacts of a snapshot whose commit was abandoned.
func (w *Writer) Remove(art Artifacts) error {
	var errs []error
	for _, p := range []string{art.JSONPath, art.TextPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// place writes data to a temp file, syncs it and links it to path. An
// existing path is never overwritten.
func (w *Writer) place(path string, data []byte) error {
	tmp, err := os.CreateTemp(w.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Link(tmpName, path); err != nil {
		return fmt.Errorf("publish %s: %w", filepath.Base(path), err)
	}
	return nil
}

// BaseName turns an audio title into the file name prefix of its snapshots.
func BaseName(title string) string {
	name := norm.NFC.String(strings.TrimSpace(title))
	name = strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "audio"
	}
	return name
}

// RenderText returns the plain-text transcript, one line per segment.
func RenderText(segments []store.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(FinalLine(seg))
		b.WriteByte('\n')
	}
	return b.String()
}

// FinalLine picks the text of a segment by priority: free text, then the
// word reconstruction with fills applied to flagged words, then the
// original text.
func FinalLine(seg store.Segment) string {
	if ft := strings.TrimSpace(seg.FreeText); ft != "" {
		return ft
	}
	if len(seg.Fills) > 0 {
		parts := make([]string, 0, len(seg.Words))
		for i, w := range seg.Words {
			word := strings.TrimSpace(w.Word)
			if w.Review {
				if fill, ok := seg.Fills[i]; ok {
					word = strings.TrimSpace(fill)
				}
			}
			if word != "" {
				parts = append(parts, word)
			}
		}
		return strings.Join(parts, " ")
	}
	return strings.TrimSpace(seg.Text)
}
