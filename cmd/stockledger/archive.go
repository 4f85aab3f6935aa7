package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/stock-ledger/ledger"
)

// NewArchiveCommand creates the archive (archived=true) or unarchive command.
func NewArchiveCommand(rootOpts *RootOptions, archived bool) *cobra.Command {
	use, short := "archive <report-id>", "Archive a report and roll its stock back"
	if !archived {
		use, short = "unarchive <report-id>", "Restore an archived report"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := bootstrap(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			id := ledger.ReportID(args[0])
			var report *ledger.Report
			if archived {
				report, err = a.engine.ArchiveReport(ctx, id)
			} else {
				report, err = a.engine.UnarchiveReport(ctx, id)
			}
			if err != nil {
				return fmt.Errorf("report %s: %w", id, err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"id":          report.ID,
				"status":      report.Status,
				"archived_at": report.ArchivedAt,
			})
		},
	}
}
