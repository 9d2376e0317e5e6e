package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/quire/internal/store"
)

func newStorageCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Report durable storage usage",
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

			est, err := db.Estimate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatEstimate(cfg.DBPath, est))
			return nil
		},
	}
}

func formatEstimate(path string, est store.Estimate) string {
	if !est.Known {
		return fmt.Sprintf("%s: usage unknown", path)
	}
	line := fmt.Sprintf("%s: %s used", path, humanize.IBytes(uint64(max(est.Used, 0))))
	if est.Available > 0 {
		line += fmt.Sprintf(", %s free", humanize.IBytes(uint64(est.Available)))
	}
	return line
}
