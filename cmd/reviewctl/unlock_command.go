package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-review/internal/config"
	"github.com/loqalabs/loqa-review/internal/history"
	"github.com/loqalabs/loqa-review/internal/review"
	"github.com/loqalabs/loqa-review/internal/store"
)

func newUnlockCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <segment-id>",
		Short: "Release the edit lock of a segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSegmentID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(cfg config.Config, st *store.Store) error {
				return ctx.withHistory(cmd.Context(), cfg, func(events *history.Store) error {
					arbiter := review.NewArbiter(st, cfg.Review.LockTTL(), review.Fanout(events), ctx.logger())
					if err := arbiter.Release(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Segment %d unlocked\n", id)
					return nil
				})
			})
		},
	}
}

func parseSegmentID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid segment id %q", raw)
	}
	return id, nil
}
