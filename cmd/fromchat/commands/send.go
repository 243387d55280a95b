package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// send <peer> <message>: encrypt a message and print the envelope.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt a message for a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := client.EncryptMessage(args[0], args[1])
			if err != nil {
				return err
			}
			b, err := json.Marshal(env)
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
}
