package main

import (
	"os"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
