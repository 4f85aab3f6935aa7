package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/stock-ledger/ledger"
)

// RestoreOptions holds flags for the restore command.
type RestoreOptions struct {
	*RootOptions
	Cases []string
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Print the OTA ledger payload of cases",
		Long: `Print the ledger balance blocks a device owning the given cases would
receive on sync.

Examples:
  stockledger restore --case clinic-1
  stockledger restore --case clinic-1 --case clinic-2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := bootstrap(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			cases := make([]ledger.CaseID, len(opts.Cases))
			for i, c := range opts.Cases {
				cases[i] = ledger.CaseID(c)
			}
			payload, err := a.ota.Render(ctx, cases)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return err
		},
	}

	cmd.Flags().StringArrayVar(&opts.Cases, "case", nil, "case id (repeatable, required)")
	_ = cmd.MarkFlagRequired("case")
	return cmd
}
