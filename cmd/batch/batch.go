package batch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	sluice "github.com/getsluice/sluice/pkg"
	"github.com/getsluice/sluice/pkg/cli"
	"github.com/getsluice/sluice/pkg/config"
	"github.com/getsluice/sluice/pkg/logging"
	"github.com/getsluice/sluice/pkg/optname"
	"github.com/getsluice/sluice/pkg/scheduler"
	"github.com/getsluice/sluice/pkg/task"
)

const longDesc = `
'batch' mode takes a manifest file as input (use '-' for stdin) and downloads
every file listed in it through one shared engine: the combined speed limit,
the concurrent-download cap and the crash-safe progress records all apply
across the whole run.

The manifest is YAML, a list of entries with a 'link' and an optional 'op'
output path:

  - link: https://example.com/file1.txt
    op: /tmp/file1.txt
  - link: https://example.com/file2.bin

A plain-text manifest is also accepted: one 'url [dest]' pair per line, with
blank lines and lines starting with '#' skipped.
`

const batchExamples = `
  sluice batch manifest.yaml

  sluice batch - < manifest.txt

  cat manifest.txt | sluice batch -
`

var logger = logging.GetLogger()

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "batch [flags] <manifest-file>",
		Short:   "download files from a manifest in one engine run",
		Long:    longDesc,
		Args:    cobra.ExactArgs(1),
		PreRunE: batchPreRunE,
		RunE:    runBatchCMD,
		Example: batchExamples,
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func batchPreRunE(cmd *cobra.Command, args []string) error {
	if viper.GetBool(optname.Extract) {
		return fmt.Errorf("cannot use --extract with batch mode")
	}
	return nil
}

func runBatchCMD(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	manifestPath := args[0]
	file, err := manifestFile(manifestPath)
	if err != nil {
		return err
	}
	defer file.Close()
	requests, err := parseManifest(file)
	if err != nil {
		return fmt.Errorf("error processing manifest file %s: %w", manifestPath, err)
	}
	if len(requests) == 0 {
		return fmt.Errorf("manifest %s lists no downloads", manifestPath)
	}
	if err := validateDestinations(requests); err != nil {
		return err
	}

	return batchExecute(cmd.Context(), requests)
}

func batchExecute(ctx context.Context, requests []scheduler.Request) error {
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

	// An interrupt pauses whatever is still running, the records stay
	// resumable on the next run.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.AddListener(progressReporter{})

	if err := engine.Start(); err != nil {
		return err
	}
	start := time.Now()
	ids := engine.EnqueueBatch(requests)
	if len(ids) == 0 {
		return fmt.Errorf("no entry in the manifest could be queued")
	}

	failed, waitErr := waitForTasks(ctx, engine, ids)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil && waitErr == nil {
		waitErr = err
	}
	if waitErr != nil {
		return waitErr
	}

	printRunMetrics(engine, ids, time.Since(start))
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d downloads failed", len(failed), len(ids))
	}
	return nil
}

// waitForTasks blocks until every id reaches a terminal status, returning
// the ids that did not complete.
func waitForTasks(ctx context.Context, engine *sluice.Engine, ids []string) ([]string, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}

	var failed []string
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return failed, ctx.Err()
		case <-ticker.C:
		}
		for id := range pending {
			snap, err := engine.Get(id)
			if err != nil {
				delete(pending, id)
				continue
			}
			switch snap.Status {
			case task.StatusCompleted:
				delete(pending, id)
			case task.StatusFailed, task.StatusCanceled:
				failed = append(failed, id)
				delete(pending, id)
			case task.StatusPaused:
				// nothing restarts a paused task in batch mode
				failed = append(failed, id)
				delete(pending, id)
			}
		}
	}
	return failed, nil
}

// progressReporter logs task milestones as the engine reports them.
type progressReporter struct {
	scheduler.NopListener
}

func (progressReporter) OnTaskStarted(snap task.Snapshot) {
	logger.Info().Str("url", snap.URL).Str("dest", snap.Dest).Msg("Downloading")
}

func (progressReporter) OnTaskCompleted(snap task.Snapshot) {
	logger.Info().
		Str("dest", snap.Dest).
		Str("size", humanize.Bytes(uint64(snap.TotalSize))).
		Msg("Complete")
}

func (progressReporter) OnTaskFailed(snap task.Snapshot) {
	logger.Error().Str("url", snap.URL).Str("error", snap.Error).Msg("Failed")
}

func printRunMetrics(engine *sluice.Engine, ids []string, elapsed time.Duration) {
	var totalBytes int64
	completed := 0
	for _, id := range ids {
		snap, err := engine.Get(id)
		if err != nil {
			continue
		}
		if snap.Status == task.StatusCompleted {
			completed++
		}
		totalBytes += snap.Downloaded
	}
	throughput := float64(totalBytes) / elapsed.Seconds()
	logger.Info().
		Int("file_count", len(ids)).
		Int("completed", completed).
		Str("total_bytes_downloaded", humanize.Bytes(uint64(totalBytes))).
		Str("throughput", fmt.Sprintf("%s/s", humanize.Bytes(uint64(throughput)))).
		Str("elapsed_time", fmt.Sprintf("%.3fs", elapsed.Seconds())).
		Msg("Metrics")
}
