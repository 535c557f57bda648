package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sentiment-pulse/internal/app"
)

var (
	backfillFrom   string
	backfillTo     string
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay history forward from a date",
	Long: "Deletes every record from --from onward and recomputes each trading day up to --to,\n" +
		"or up to the latest committed date when history already extends past --to.\n" +
		"With --dry-run the replay runs against committed history and nothing is written.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" {
			return fmt.Errorf("--from must be provided")
		}

		from, err := parseDate("from", backfillFrom)
		if err != nil {
			return err
		}

		to := today()
		if backfillTo != "" {
			to, err = parseDate("to", backfillTo)
			if err != nil {
				return err
			}
		}

		if to.Before(from) {
			return fmt.Errorf("--to must not be before --from")
		}

		opts := app.BackfillOptions{
			From:   from,
			To:     to,
			DryRun: backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First date to recompute (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last date to recompute (YYYY-MM-DD, inclusive, default today)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
}
