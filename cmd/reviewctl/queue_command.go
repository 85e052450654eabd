package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-review/internal/config"
	"github.com/loqalabs/loqa-review/internal/review"
	"github.com/loqalabs/loqa-review/internal/store"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List segments awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(_ config.Config, st *store.Store) error {
				segs, err := review.NewQueue(st).List(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(segs) == 0 {
					fmt.Fprintln(w, "Nothing to review")
					return nil
				}

				headers := []string{"ID", "Audio", "Start", "End", "Flagged", "Version", "Locked by", "Text"}
				rows := make([][]string, 0, len(segs))
				for _, seg := range segs {
					rows = append(rows, queueRow(seg))
				}
				if isTerminal(w) {
					aligns := []columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft, alignLeft}
					fmt.Fprintln(w, renderTable(headers, rows, aligns))
					return nil
				}
				fmt.Fprint(w, renderTSV(headers, rows))
				return nil
			})
		},
	}
}

func queueRow(seg store.Segment) []string {
	flagged := 0
	for _, word := range seg.Words {
		if word.Review {
			flagged++
		}
	}
	holder := ""
	if seg.Lock != nil {
		holder = seg.Lock.Holder
	}
	return []string{
		strconv.FormatInt(seg.ID, 10),
		seg.AudioTitle,
		strconv.FormatFloat(seg.Start, 'f', 2, 64),
		strconv.FormatFloat(seg.End, 'f', 2, 64),
		fmt.Sprintf("%d/%d", flagged, len(seg.Words)),
		strconv.Itoa(seg.Version),
		holder,
		strings.TrimSpace(seg.Text),
	}
}
