package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-review/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <segment-id>",
		Short: "Show lock and commit events recorded for a segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSegmentID(args[0])
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return errors.New("history is disabled in the configuration")
			}
			return ctx.withHistory(cmd.Context(), cfg, func(events *history.Store) error {
				list, err := events.SegmentEvents(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintf(w, "No events for segment %d\n", id)
					return nil
				}

				headers := []string{"Time", "Event", "Caller", "Version", "Audio"}
				rows := make([][]string, 0, len(list))
				for _, ev := range list {
					version := ""
					if ev.Version > 0 {
						version = strconv.Itoa(ev.Version)
					}
					rows = append(rows, []string{
						ev.CreatedAt.Local().Format(time.DateTime),
						ev.Type,
						ev.Caller,
						version,
						ev.AudioTitle,
					})
				}
				if isTerminal(w) {
					aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
					fmt.Fprintln(w, renderTable(headers, rows, aligns))
					return nil
				}
				fmt.Fprint(w, renderTSV(headers, rows))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events to show")
	return cmd
}
