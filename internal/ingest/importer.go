// Package ingest loads transcripts and audio into the review store, either
// from a folder on disk or from transcript-ready events on the bus.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-review/internal/apperr"
	"github.com/loqalabs/loqa-review/internal/store"
	"github.com/loqalabs/loqa-review/internal/transcript"
)

const (
	// RawSuffix names transcripts straight from the speech model.
	RawSuffix = "_web_ready.json"
	// FlaggedSuffix names transcripts that went through the flagger.
	FlaggedSuffix = "_new_web_ready.json"
)

// Report summarizes a folder import.
type Report struct {
	Audios          []string `json:"audios"`
	Flagged         []string `json:"flagged,omitempty"`
	Transcripts     []string `json:"transcripts"`
	Skipped         []string `json:"skipped,omitempty"`
	SegmentsCreated int      `json:"segments_created"`
	SegmentsUpdated int      `json:"segments_updated"`
}

// Result summarizes the import of a single transcript.
type Result struct {
	Audio   store.Audio             `json:"audio"`
	Created int                     `json:"created"`
	Updated int                     `json:"updated"`
	Summary *transcript.FlagSummary `json:"summary,omitempty"`
}

// Importer upserts audios and their segments.
type Importer struct {
	store     *store.Store
	mediaRoot string
	flagOpts  transcript.FlagOptions
	log       *slog.Logger
}

func NewImporter(s *store.Store, mediaRoot string, opts transcript.FlagOptions, log *slog.Logger) *Importer {
	return &Importer{
		store:     s,
		mediaRoot: mediaRoot,
		flagOpts:  opts,
		log:       log.With(slog.String("component", "ingest")),
	}
}

// ImportTranscript stores segments for the audio called title. Unflagged
// segments are run through the flagger first.
func (im *Importer) ImportTranscript(ctx context.Context, title, audioFile string, metadata map[string]any, segments []transcript.Segment, flagged bool) (Result, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Result{}, apperr.Validation("title", "title is required")
	}
	if audioFile == "" {
		audioFile = title + ".mp3"
	}
	if !filepath.IsLocal(filepath.FromSlash(audioFile)) {
		return Result{}, apperr.Validation("audio_file", "audio file must be relative to the media root")
	}

	t := transcript.Transcript{Segments: segments}
	var result Result
	if !flagged {
		out, summary, err := transcript.Flag(t, im.flagOpts)
		if err != nil {
			return Result{}, err
		}
		t = out
		result.Summary = &summary
	}
	if err := transcript.Validate(t); err != nil {
		return Result{}, err
	}

	audio, err := im.store.UpsertAudio(ctx, title, audioFile, metadata)
	if err != nil {
		return Result{}, apperr.Persistence("upsert audio", err)
	}
	created, updated, err := im.store.ImportSegments(ctx, audio.ID, t.Segments)
	if err != nil {
		return Result{}, apperr.Persistence("import segments", err)
	}
	result.Audio, result.Created, result.Updated = audio, created, updated

	im.log.Info("transcript imported",
		slog.String("audio", title),
		slog.Int("created", created),
		slog.Int("updated", updated))
	return result, nil
}

// ImportDir imports every *.mp3 of dir into the media root and then every
// *_new_web_ready.json onto the audio sharing its base name. With flagRaw,
// raw *_web_ready.json transcripts are flagged first.
func (im *Importer) ImportDir(ctx context.Context, dir string, flagRaw bool) (Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Report{}, fmt.Errorf("read import dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var report Report
	if flagRaw {
		for _, name := range names {
			if !strings.HasSuffix(name, RawSuffix) || strings.HasSuffix(name, FlaggedSuffix) {
				continue
			}
			out := filepath.Join(dir, FlaggedName(name))
			if _, err := FlagFile(filepath.Join(dir, name), out, im.flagOpts); err != nil {
				return report, fmt.Errorf("flag %s: %w", name, err)
			}
			report.Flagged = append(report.Flagged, filepath.Base(out))
			if !slices.Contains(names, filepath.Base(out)) {
				names = append(names, filepath.Base(out))
			}
		}
		sort.Strings(names)
	}

	if err := os.MkdirAll(im.mediaRoot, 0o755); err != nil {
		return report, fmt.Errorf("create media root: %w", err)
	}
	for _, name := range names {
		if !strings.EqualFold(filepath.Ext(name), ".mp3") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := copyFile(filepath.Join(dir, name), filepath.Join(im.mediaRoot, name)); err != nil {
			return report, fmt.Errorf("copy %s: %w", name, err)
		}
		title := strings.TrimSuffix(name, filepath.Ext(name))
		if _, err := im.store.UpsertAudio(ctx, title, name, nil); err != nil {
			return report, apperr.Persistence("upsert audio", err)
		}
		report.Audios = append(report.Audios, title)
	}

	for _, name := range names {
		if !strings.HasSuffix(name, FlaggedSuffix) {
			continue
		}
		title := strings.TrimSuffix(name, FlaggedSuffix)
		audio, err := im.store.AudioByTitle(ctx, title)
		if errors.Is(err, store.ErrNotFound) {
			im.log.Warn("no audio for transcript, skipping", slog.String("file", name))
			report.Skipped = append(report.Skipped, name)
			continue
		}
		if err != nil {
			return report, apperr.Persistence("lookup audio", err)
		}
		t, err := transcript.Load(filepath.Join(dir, name))
		if err != nil {
			return report, fmt.Errorf("load %s: %w", name, err)
		}
		created, updated, err := im.store.ImportSegments(ctx, audio.ID, t.Segments)
		if err != nil {
			return report, apperr.Persistence("import segments", err)
		}
		report.Transcripts = append(report.Transcripts, name)
		report.SegmentsCreated += created
		report.SegmentsUpdated += updated
		im.log.Info("transcript imported",
			slog.String("audio", title),
			slog.Int("created", created),
			slog.Int("updated", updated))
	}
	return report, nil
}

// FlaggedName maps a transcript file name to the name of its flagged output.
func FlaggedName(name string) string {
	base := filepath.Base(name)
	switch {
	case strings.HasSuffix(base, FlaggedSuffix):
		return base
	case strings.HasSuffix(base, RawSuffix):
		return strings.TrimSuffix(base, RawSuffix) + FlaggedSuffix
	default:
		return strings.TrimSuffix(base, filepath.Ext(base)) + FlaggedSuffix
	}
}

// FlagFile flags the transcript at in and writes the result to out.
func FlagFile(in, out string, opts transcript.FlagOptions) (transcript.FlagSummary, error) {
	t, err := transcript.Load(in)
	if err != nil {
		return transcript.FlagSummary{}, err
	}
	flagged, summary, err := transcript.Flag(t, opts)
	if err != nil {
		return transcript.FlagSummary{}, err
	}
	f, err := os.Create(out)
	if err != nil {
		return transcript.FlagSummary{}, fmt.Errorf("create %s: %w", out, err)
	}
	if err := transcript.Encode(f, flagged); err != nil {
		f.Close()
		return transcript.FlagSummary{}, err
	}
	if err := f.Close(); err != nil {
		return transcript.FlagSummary{}, fmt.Errorf("close %s: %w", out, err)
	}
	return summary, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".import-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
