package root

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	sluice "github.com/getsluice/sluice/pkg"
	"github.com/getsluice/sluice/pkg/cli"
	"github.com/getsluice/sluice/pkg/config"
	"github.com/getsluice/sluice/pkg/optname"
)

const rootLongDesc = `
sluice

Sluice is a multi-connection HTTP download engine built in Go. It probes what a
server supports, splits large files into ranged chunks downloaded over parallel
connections, and reassembles them into the destination file.

Downloads survive restarts: progress is flushed to a small state directory, a
paused or interrupted transfer resumes from the byte offsets already on disk,
and a crash mid-download degrades to a queued task rather than a corrupt file.
A combined speed limit caps all connections of all tasks together.

If the downloaded file is an archive, sluice can unpack it next to the
destination after the transfer completes, detecting the format from the file
contents rather than from the name.
`

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sluice [flags] <url> [dest]",
		Short: "sluice",
		Long:  rootLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.PersistentStartupProcessFlags()
		},
		RunE:    runRootCMD,
		Args:    cobra.RangeArgs(1, 2),
		Example: `  sluice https://example.com/file.tar.gz file.tar.gz --extract`,
	}
	cmd.Flags().BoolP(optname.Extract, "x", false, "Extract archive after download")
	cmd.SetUsageTemplate(cli.UsageTemplate)
	err := config.AddRootPersistentFlags(cmd)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return cmd
}

func runRootCMD(cmd *cobra.Command, args []string) error {
	// After we run through the PreRun functions we want to silence usage from being printed
	// on all errors
	cmd.SilenceUsage = true

	urlString := args[0]
	dest := ""
	if len(args) == 2 {
		dest = args[1]
	}

	log.Info().Str("url", urlString).
		Str("dest", dest).
		Str("chunk_size", viper.GetString(optname.ChunkSize)).
		Msg("Initiating")

	if dest != "" {
		if err := cli.EnsureDestinationNotExist(dest); err != nil {
			return err
		}
	}

	return rootExecute(cmd.Context(), urlString, dest)
}

// rootExecute builds the engine, runs the single download to completion and
// tears the engine down again, returning any/all errors to the caller.
func rootExecute(ctx context.Context, urlString, dest string) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}

	pidFile, err := cli.StateLock(settings.StatePath())
	if err != nil {
		return err
	}
	defer func() { _ = pidFile.Release() }()

	engine, err := sluice.New(settings, viper.GetBool(optname.Force))
	if err != nil {
		return err
	}

	// An interrupt pauses the task instead of killing it, the partial
	// file stays resumable on the next run.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, downloadErr := engine.DownloadFile(ctx, urlString, dest, viper.GetBool(optname.Extract))

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil && downloadErr == nil {
		downloadErr = err
	}
	return downloadErr
}
