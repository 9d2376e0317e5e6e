package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/store"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List completed jobs recorded in durable storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			db, err := store.OpenSQLite(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := db.ListHistory(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(items, time.Now()))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of items to list")
	return cmd
}

func renderHistory(items []model.HistoryItem, now time.Time) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.ID,
			it.FileName,
			string(it.Kind),
			humanize.Bytes(uint64(max(it.SizeBytes, 0))),
			humanize.RelTime(it.Timestamp, now, "ago", "from now"),
		})
	}
	return renderTable(
		[]string{"ID", "File", "Kind", "Size", "Finished"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
