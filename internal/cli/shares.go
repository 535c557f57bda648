package cli

import (
	"github.com/spf13/cobra"
)

var refreshSharesCmd = &cobra.Command{
	Use:   "refresh-shares",
	Short: "Re-fetch shares outstanding for every configured ticker into the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RefreshShares(cmd.Context())
	},
}

var notifyTestCmd = &cobra.Command{
	Use:   "notify-test",
	Short: "Send a synthetic run summary through the configured alert channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().NotifyTest(cmd.Context())
	},
}
