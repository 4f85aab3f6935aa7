package main

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
}

// NewRootCommand creates the root command for the stockledger CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "stockledger",
		Short:         "Stock ledger engine",
		Long:          "Event-sourced stock on hand per case, section and product.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (yaml or env)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts, true))
	cmd.AddCommand(NewArchiveCommand(opts, false))
	cmd.AddCommand(NewRestoreCommand(opts))

	return cmd
}
