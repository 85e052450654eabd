package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-review/internal/config"
	"github.com/loqalabs/loqa-review/internal/ingest"
	"github.com/loqalabs/loqa-review/internal/store"
	"github.com/loqalabs/loqa-review/internal/transcript"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var flagRaw bool

	cmd := &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Import audio files and flagged transcripts from a folder",
		Long: "Copies every *.mp3 of the folder into the media root and imports every\n" +
			"*_new_web_ready.json onto the audio with the same base name.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cfg config.Config, st *store.Store) error {
				opts := transcript.FlagOptions{
					SegmentPercentile: cfg.Review.SegmentPercentile,
					WordPercentile:    cfg.Review.WordPercentile,
				}
				im := ingest.NewImporter(st, cfg.Storage.MediaRoot, opts, ctx.logger())
				report, err := im.ImportDir(cmd.Context(), args[0], flagRaw)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				for _, name := range report.Flagged {
					fmt.Fprintf(w, "Flagged: %s\n", name)
				}
				for _, title := range report.Audios {
					fmt.Fprintf(w, "Audio: %s\n", title)
				}
				for _, name := range report.Skipped {
					fmt.Fprintf(w, "Skipped (no matching audio): %s\n", name)
				}
				fmt.Fprintf(w, "Imported %d transcripts: %d segments created, %d updated\n",
					len(report.Transcripts), report.SegmentsCreated, report.SegmentsUpdated)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&flagRaw, "flag", false, "Flag raw *_web_ready.json transcripts before importing")
	return cmd
}
