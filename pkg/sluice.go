// Package sluice assembles the download engine: capability probing,
// chunk planning, budgeted transfers, crash-safe persistence and the
// scheduler driving it all.
package sluice

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/getsluice/sluice/pkg/budget"
	"github.com/getsluice/sluice/pkg/client"
	"github.com/getsluice/sluice/pkg/config"
	"github.com/getsluice/sluice/pkg/extract"
	"github.com/getsluice/sluice/pkg/logging"
	"github.com/getsluice/sluice/pkg/probe"
	"github.com/getsluice/sluice/pkg/scheduler"
	"github.com/getsluice/sluice/pkg/store"
	"github.com/getsluice/sluice/pkg/task"
)

// Engine owns the full download stack for one process: the shared speed
// budget, the capability prober, the persistent task store and the
// scheduler running transfers against them.
type Engine struct {
	cfg       config.Settings
	scheduler *scheduler.Scheduler
}

// New wires an Engine from validated settings. overwrite lets archive
// extraction replace files already on disk.
func New(cfg config.Settings, overwrite bool) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}
	bud := budget.New(cfg.MaxSpeedLimit)

	// Probes answer fast or not at all; the retry schedule is for
	// payload transfers.
	probeClient, err := client.New(client.Options{
		UserAgent:   cfg.UserAgent,
		Proxy:       cfg.Proxy,
		ConnTimeout: cfg.ConnTimeout,
		Timeout:     cfg.Timeout,
		Retries:     0,
	})
	if err != nil {
		return nil, err
	}
	transferClient, err := client.New(client.Options{
		UserAgent:       cfg.UserAgent,
		Proxy:           cfg.Proxy,
		ConnTimeout:     cfg.ConnTimeout,
		Timeout:         cfg.Timeout,
		Retries:         cfg.RetryAttempts,
		RetryWaitMin:    cfg.RetryBackoff,
		RetryWaitMax:    cfg.RetryBackoffMax,
		MaxConnsPerHost: cfg.ChunkNumber * cfg.MaxConcurrentDownloads,
	})
	if err != nil {
		return nil, err
	}

	prober := probe.New(probeClient.Client, probe.Options{
		MaxConnections: cfg.ProbeMaxConnections,
		Timeout:        cfg.ConnTimeout,
	})

	sched := scheduler.New(cfg, scheduler.Deps{
		Store:     st,
		Prober:    prober,
		Client:    transferClient.Client,
		Budget:    bud,
		Extractor: extract.New(overwrite),
	})

	return &Engine{cfg: cfg, scheduler: sched}, nil
}

// Start begins admitting queued tasks. With ResumeOnStartup set,
// persisted tasks are loaded back into the registry first.
func (e *Engine) Start() error {
	if e.cfg.ResumeOnStartup {
		if _, err := e.scheduler.Restore(); err != nil {
			return fmt.Errorf("restoring persisted tasks: %w", err)
		}
	}
	e.scheduler.Start()
	return nil
}

// Stop pauses active downloads and flushes their records, within the
// bound of ctx.
func (e *Engine) Stop(ctx context.Context) error {
	return e.scheduler.Stop(ctx)
}

func (e *Engine) Enqueue(req scheduler.Request) (string, error) {
	return e.scheduler.Enqueue(req)
}

func (e *Engine) EnqueueBatch(reqs []scheduler.Request) []string {
	return e.scheduler.EnqueueBatch(reqs)
}

func (e *Engine) Pause(id string) error  { return e.scheduler.Pause(id) }
func (e *Engine) Resume(id string) error { return e.scheduler.Resume(id) }

func (e *Engine) Cancel(id string, removeData bool) error {
	return e.scheduler.Cancel(id, removeData)
}

func (e *Engine) RetryFailed() []string    { return e.scheduler.RetryFailed() }
func (e *Engine) ClearCompleted() []string { return e.scheduler.ClearCompleted() }
func (e *Engine) List() scheduler.Grouped  { return e.scheduler.List() }

func (e *Engine) Get(id string) (task.Snapshot, error) {
	return e.scheduler.Get(id)
}

func (e *Engine) AddListener(l scheduler.Listener) {
	e.scheduler.AddListener(l)
}

func (e *Engine) Settings() config.Settings { return e.scheduler.Settings() }

func (e *Engine) UpdateSettings(next config.Settings) error {
	return e.scheduler.UpdateSettings(next)
}

// ApplySettings updates the named configuration keys on the running
// engine and returns the resulting snapshot. Unknown keys are rejected
// and nothing is applied.
func (e *Engine) ApplySettings(updates map[string]any) (config.Settings, error) {
	next, err := e.scheduler.Settings().Apply(updates)
	if err != nil {
		return config.Settings{}, err
	}
	if err := e.scheduler.UpdateSettings(next); err != nil {
		return config.Settings{}, err
	}
	return next, nil
}

// DownloadFile fetches one URL, blocking until the task settles. The
// machinery underneath is the same one batch mode uses, so persistence
// and retry behavior match. A canceled ctx pauses the task, keeping its
// partial file resumable.
func (e *Engine) DownloadFile(ctx context.Context, url, dest string, unpack bool) (task.Snapshot, error) {
	start := time.Now()
	id, err := e.scheduler.Enqueue(scheduler.Request{URL: url, Dest: dest, Extract: unpack})
	if err != nil {
		return task.Snapshot{}, err
	}
	e.scheduler.Start()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = e.scheduler.Pause(id)
			return e.snapshotOrZero(id), ctx.Err()
		case <-ticker.C:
			snap, err := e.scheduler.Get(id)
			if err != nil {
				return task.Snapshot{}, err
			}
			switch snap.Status {
			case task.StatusCompleted:
				logCompleted(snap, time.Since(start))
				return snap, nil
			case task.StatusFailed:
				return snap, fmt.Errorf("download failed: %s", snap.Error)
			case task.StatusCanceled:
				return snap, fmt.Errorf("download canceled")
			}
		}
	}
}

func logCompleted(snap task.Snapshot, elapsed time.Duration) {
	throughput := humanize.Bytes(uint64(float64(snap.TotalSize) / elapsed.Seconds()))
	logger := logging.GetLogger()
	logger.Info().
		Str("dest", snap.Dest).
		Str("size", humanize.Bytes(uint64(snap.TotalSize))).
		Str("throughput", fmt.Sprintf("%s/s", throughput)).
		Str("elapsed", fmt.Sprintf("%.3fs", elapsed.Seconds())).
		Msg("Complete")
}

func (e *Engine) snapshotOrZero(id string) task.Snapshot {
	snap, err := e.scheduler.Get(id)
	if err != nil {
		return task.Snapshot{}
	}
	return snap
}
