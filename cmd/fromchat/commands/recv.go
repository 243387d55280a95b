package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	fromchat "github.com/Toolbox-io/fromchat-go"
)

// recv: read an envelope from stdin and print the decrypted plaintext.
func recvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recv",
		Short: "Decrypt an envelope read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			env := &fromchat.Envelope{}
			if err := json.Unmarshal(b, env); err != nil {
				return err
			}
			plaintext, err := client.DecryptMessage(env)
			if err != nil {
				return err
			}
			fmt.Println(plaintext)
			return nil
		},
	}
}
