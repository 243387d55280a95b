package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// backup: push every local session to the encrypted server-side store.
func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Upload all sessions to the encrypted backup store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client.UploadAllSessions()
			if err != nil {
				return err
			}
			fmt.Printf("uploaded %d sessions, skipped %d\n", report.Uploaded, report.Skipped)
			return nil
		},
	}
}
