package main

import (
	"os"

	"github.com/getsluice/sluice/cmd"
	"github.com/getsluice/sluice/pkg/logging"
)

func main() {
	logging.SetupLogger()
	rootCMD := cmd.GetRootCommand()

	if err := rootCMD.Execute(); err != nil {
		os.Exit(1)
	}
}
