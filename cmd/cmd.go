package cmd

import (
	"github.com/spf13/cobra"

	"github.com/getsluice/sluice/cmd/batch"
	"github.com/getsluice/sluice/cmd/root"
	"github.com/getsluice/sluice/cmd/version"
)

func GetRootCommand() *cobra.Command {
	rootCMD := root.GetCommand()
	rootCMD.AddCommand(batch.GetCommand())
	rootCMD.AddCommand(version.VersionCMD)
	return rootCMD
}
