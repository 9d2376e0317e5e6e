package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/quire/internal/config"
	"github.com/seantiz/quire/internal/transform"
	"github.com/seantiz/quire/internal/workerpool"
)

// newWorkerCommand serves tasks over stdin and stdout for a parent pool
// running in process mode. Logs go to stderr.
func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one task worker on stdin and stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := config.NewLogger(os.Stderr, cfg.Log.Level, config.FormatJSON).With("worker_pid", os.Getpid())

			reg := workerpool.NewRegistry()
			transform.Register(reg)
			return workerpool.NewAgent(reg, logger).Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
