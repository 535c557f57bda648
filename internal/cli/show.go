package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sentiment-pulse/internal/app"
)

var (
	showLimit int
	showDate  string
	showRuns  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display pulse history, a single date's breakdown, or recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Runs:  showRuns,
		}
		if showDate != "" {
			date, err := parseDate("date", showDate)
			if err != nil {
				return err
			}
			opts.Date = &date
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showDate, "date", "", "Show sector and ticker detail for a date (YYYY-MM-DD)")
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "Show recent run audit records")
}
