package cli

import (
	"github.com/spf13/cobra"

	"sentiment-pulse/internal/app"
)

var processDate string

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Compute and commit the pulse for a single trading date",
	RunE: func(cmd *cobra.Command, args []string) error {
		date := today()
		if processDate != "" {
			parsed, err := parseDate("date", processDate)
			if err != nil {
				return err
			}
			date = parsed
		}
		return getApp().Process(cmd.Context(), app.ProcessOptions{Date: date})
	},
}

func init() {
	processCmd.Flags().StringVar(&processDate, "date", "", "Trading date (YYYY-MM-DD, default today UTC)")
}
