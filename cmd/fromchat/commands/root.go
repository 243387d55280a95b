// Package commands implements the fromchat command line client.
package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	fromchat "github.com/Toolbox-io/fromchat-go"
)

var (
	configFile string
	client     *fromchat.Client
)

func Execute() error {
	root := &cobra.Command{
		Use:   "fromchat",
		Short: "End-to-end encrypted messaging client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				configFile = filepath.Join(dir, ".fromchat", "config.yml")
			}
			cfg, err := fromchat.ReadConfig(configFile)
			if err != nil {
				return err
			}
			client, err = fromchat.New(cfg)
			return err
		},
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ~/.fromchat/config.yml)")

	root.AddCommand(initCmd(), sendCmd(), recvCmd(), backupCmd(), restoreCmd(), endSessionCmd())
	return root.Execute()
}
