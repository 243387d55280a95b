package main

import (
	"os"

	"github.com/Toolbox-io/fromchat-go/cmd/fromchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
