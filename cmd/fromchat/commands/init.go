package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// init: generate identity material and publish the prekey bundle.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate encryption keys and publish them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Setup(); err != nil {
				return err
			}
			fmt.Println("encryption keys ready")
			return nil
		},
	}
}
