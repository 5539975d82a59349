package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "addonrt",
		Short: "Addon operation runtime",
		Long: `addonrt declares typed addon operations, authorizes them against each
integration's capability grant and executes them against remote providers,
recording every call as a persisted invocation.`,
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to configuration file")

	cmd.AddCommand(
		newServeCommand(opts),
		newCallCommand(opts),
		newOperationsCommand(),
		newSchemaCommand(),
	)
	return cmd
}
