package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/seantiz/quire/internal/config"
)

// commandContext loads configuration once for whichever subcommand runs.
type commandContext struct {
	configFlag *string
	serverFlag *string

	once   sync.Once
	config config.Config
	err    error
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.once.Do(func() {
		c.config, c.err = config.Load(strings.TrimSpace(*c.configFlag))
	})
	return c.config, c.err
}

// serverURL is the base URL of a running server, from --server or the
// configured listen address.
func (c *commandContext) serverURL() string {
	if s := strings.TrimSpace(*c.serverFlag); s != "" {
		return strings.TrimRight(s, "/")
	}
	addr := c.config.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func newRootCommand() *cobra.Command {
	var configFlag, serverFlag string
	ctx := &commandContext{configFlag: &configFlag, serverFlag: &serverFlag}

	rootCmd := &cobra.Command{
		Use:           "quire",
		Short:         "Document job engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Base URL of a running quire server")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newStorageCommand(ctx))

	return rootCmd
}
