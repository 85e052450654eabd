package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-review/internal/ingest"
	"github.com/loqalabs/loqa-review/internal/transcript"
)

func newFlagCommand(ctx *commandContext) *cobra.Command {
	var (
		output            string
		segmentPercentile float64
		wordPercentile    float64
	)

	cmd := &cobra.Command{
		Use:   "flag <input.json>",
		Short: "Flag low-confidence segments and words of a raw transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := transcript.FlagOptions{
				SegmentPercentile: cfg.Review.SegmentPercentile,
				WordPercentile:    cfg.Review.WordPercentile,
			}
			if cmd.Flags().Changed("segment-percentile") {
				opts.SegmentPercentile = segmentPercentile
			}
			if cmd.Flags().Changed("word-percentile") {
				opts.WordPercentile = wordPercentile
			}

			input := args[0]
			out := output
			if out == "" {
				out = filepath.Join(filepath.Dir(input), ingest.FlaggedName(input))
			}
			summary, err := ingest.FlagFile(input, out, opts)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Segment threshold (P%g avg_logprob): %.4f\n", opts.SegmentPercentile, summary.Threshold)
			fmt.Fprintf(w, "Segments flagged: %d/%d\n", summary.SegmentsFlagged, summary.SegmentsTotal)
			fmt.Fprintf(w, "Words flagged: %d/%d\n", summary.WordsFlagged, summary.WordsTotal)
			fmt.Fprintf(w, "Wrote %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default <base>_new_web_ready.json next to the input)")
	cmd.Flags().Float64Var(&segmentPercentile, "segment-percentile", transcript.DefaultSegmentPercentile, "Percentile of avg_logprob used as the segment threshold")
	cmd.Flags().Float64Var(&wordPercentile, "word-percentile", transcript.DefaultWordPercentile, "Percentile of word probability used as the per-segment word threshold")
	return cmd
}
