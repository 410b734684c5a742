package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/EAbdou1/recallkit/config"
)

type rootOptions struct {
	configPath string
}

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "recallkit",
		Short:         "Long-term memory for conversational agents",
		Long:          "recallkit extracts facts from conversations, reconciles them with what it\nalready knows about a user, and recalls the relevant ones on request.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCmd(opts),
		newRecallCmd(opts),
		newProcessCmd(opts),
		newIndexCmd(opts),
		newMemoriesCmd(opts),
		newChatCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

func newCLILogger(cfg *config.Config) *slog.Logger {
	logger := config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	return logger
}
