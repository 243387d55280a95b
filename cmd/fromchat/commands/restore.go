package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// restore: pull all backed-up sessions into local storage.
func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore sessions from the encrypted backup store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client.RestoreSessions()
			if err != nil {
				return err
			}
			fmt.Printf("restored %d sessions, skipped %d\n", report.Restored, report.Skipped)
			for _, reason := range report.Reasons {
				fmt.Println("  skipped:", reason)
			}
			return nil
		},
	}
}
