package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// end-session <peer>: drop all local ratchet state for a peer.
func endSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end-session <peer>",
		Short: "Remove all session state for a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.EndSession(args[0]); err != nil {
				return err
			}
			fmt.Println("session removed")
			return nil
		},
	}
}
