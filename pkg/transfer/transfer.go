// Package transfer moves a planned task's bytes onto disk. Chunks
// download in parallel into a shared partial file, progress counters only
// advance after bytes reach the file, and the destination name appears
// only after a verified rename. Interrupting a transfer at any point
// leaves a resumable partial file behind.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/getsluice/sluice/pkg/budget"
	"github.com/getsluice/sluice/pkg/logging"
	"github.com/getsluice/sluice/pkg/task"
)

// PartSuffix is appended to the destination path while bytes are in
// flight.
const PartSuffix = ".part"

const (
	// readQuantum is the unit of both reading and budget accounting. It
	// must not exceed the budget's minimum burst or limited transfers
	// could never make progress.
	readQuantum = 32 * 1024

	defaultRetryWait    = 1 * time.Second
	defaultRetryWaitMax = 32 * time.Second
	defaultFlush        = 500 * time.Millisecond
)

// Saver persists task records while a transfer runs. The store satisfies
// it, tests substitute their own.
type Saver interface {
	Save(t *task.Task) error
}

// Options tune retry and persistence behavior of a Transferrer.
type Options struct {
	// RetryAttempts bounds how often a chunk restarts after its stream
	// broke mid-body. Failures the HTTP client already retried, like
	// refused connections or 5xx answers, do not come back here.
	RetryAttempts int
	RetryWait     time.Duration
	RetryWaitMax  time.Duration
	// FlushInterval is how often progress is persisted and speed sampled.
	FlushInterval time.Duration
}

// Transferrer downloads planned tasks. One Transferrer is shared by all
// tasks, per-download state lives on the task itself.
type Transferrer struct {
	client *http.Client
	budget *budget.Budget
	saver  Saver
	opts   Options
	logger zerolog.Logger
}

func New(httpClient *http.Client, b *budget.Budget, saver Saver, opts Options) *Transferrer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if b == nil {
		b = budget.New(0)
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = defaultRetryWait
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = defaultRetryWaitMax
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlush
	}
	return &Transferrer{
		client: httpClient,
		budget: b,
		saver:  saver,
		opts:   opts,
		logger: logging.GetLogger().With().Str("component", "transfer").Logger(),
	}
}

// Run downloads the task's pending chunks and finalizes the file once all
// of them are done. It returns ctx's error when interrupted, leaving every
// active chunk back in pending at its current offset. Task status is the
// caller's business, Run only moves bytes and chunk states.
func (tr *Transferrer) Run(ctx context.Context, t *task.Task) error {
	chunks := t.Chunks()
	if len(chunks) == 0 {
		return errors.New("task has no chunk plan")
	}
	dest := t.Dest()
	if dest == "" {
		return errors.New("task has no destination path")
	}
	partPath := dest + PartSuffix

	if t.Downloaded() > 0 {
		if _, err := os.Stat(partPath); os.IsNotExist(err) {
			tr.logger.Warn().
				Str("task_id", t.ID()).
				Str("part", partPath).
				Msg("partial file is gone, restarting from zero")
			t.ResetProgress()
		}
	}
	if n := t.ResetFailedChunks(); n > 0 {
		tr.logger.Debug().Str("task_id", t.ID()).Int("chunks", n).Msg("returning failed chunks to pending")
	}
	chunks = t.Chunks()

	if dir := filepath.Dir(partPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create destination directory: %w", err)
		}
	}
	file, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", partPath, err)
	}
	if total := t.TotalSize(); total > 0 {
		if err := file.Truncate(total); err != nil {
			file.Close()
			return fmt.Errorf("preallocate %s: %w", partPath, err)
		}
	}

	var claimed []int
	for i := range chunks {
		if chunks[i].State == task.ChunkDone {
			continue
		}
		if err := t.StartChunk(i); err != nil {
			for _, j := range claimed {
				_ = t.ReleaseChunk(j)
			}
			file.Close()
			return err
		}
		claimed = append(claimed, i)
	}

	startBytes := t.Downloaded()
	startTime := time.Now()
	single := len(chunks) == 1

	tr.logger.Debug().
		Str("dest", dest).
		Str("url", t.URL()).
		Int64("size", t.TotalSize()).
		Int("connections", len(claimed)).
		Msg("downloading")

	group, gctx := errgroup.WithContext(ctx)
	for _, index := range claimed {
		index := index
		group.Go(func() error {
			return tr.downloadChunk(gctx, t, index, single, file)
		})
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go tr.flushLoop(t, stop, done)

	err = group.Wait()
	close(stop)
	<-done
	t.SetSpeed(0)
	tr.save(t)

	if err != nil {
		file.Close()
		return err
	}
	return tr.finalize(t, file, partPath, t.Downloaded()-startBytes, time.Since(startTime))
}

// downloadChunk owns one chunk until it is done, failed or released. The
// retry loop here only handles streams that broke mid-body, each new
// attempt resumes from the chunk's recorded offset.
func (tr *Transferrer) downloadChunk(ctx context.Context, t *task.Task, index int, single bool, file *os.File) error {
	tr.budget.Register()
	defer tr.budget.Unregister()

	attempt := 0
	for {
		err := tr.streamChunk(ctx, t, index, single, file)
		if err == nil {
			if ferr := t.FinishChunk(index); ferr != nil {
				_ = t.FailChunk(index)
				return ferr
			}
			return nil
		}
		if ctx.Err() != nil {
			_ = t.ReleaseChunk(index)
			return ctx.Err()
		}
		var perm *permanentError
		if errors.As(err, &perm) || attempt >= tr.opts.RetryAttempts {
			_ = t.FailChunk(index)
			return err
		}
		attempt++
		wait := backoffFor(attempt, tr.opts.RetryWait, tr.opts.RetryWaitMax)
		tr.logger.Debug().
			Err(err).
			Str("task_id", t.ID()).
			Int("chunk", index).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("retrying chunk")
		if serr := sleepContext(ctx, wait); serr != nil {
			_ = t.ReleaseChunk(index)
			return serr
		}
	}
}

// streamChunk performs one ranged request and copies the body into the
// chunk's file window. Bytes are counted only after WriteAt returns, so
// persisted progress never runs ahead of the disk.
func (tr *Transferrer) streamChunk(ctx context.Context, t *task.Task, index int, single bool, file *os.File) error {
	chunk := t.Chunks()[index]
	offset := chunk.Start + chunk.Downloaded

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL(), nil)
	if err != nil {
		return &permanentError{err}
	}
	if chunk.Open() {
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, chunk.End-1))
	}

	resp, err := tr.client.Do(req)
	if err != nil {
		// The retrying client has already burned through its attempts.
		return &permanentError{fmt.Errorf("chunk %d: %w", index, err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			if start != offset {
				return &permanentError{fmt.Errorf("chunk %d: server opened range at %d, wanted %d", index, start, offset)}
			}
			if total > 0 && !chunk.Open() {
				if terr := t.SetTotalSize(total); terr != nil {
					return &permanentError{fmt.Errorf("chunk %d: %w", index, terr)}
				}
			}
		}
	case http.StatusOK:
		// A full-body answer is only usable when this chunk is the whole
		// file. Anything else would interleave the file's head into every
		// chunk window.
		if !single {
			return &permanentError{fmt.Errorf("chunk %d: server ignored range request", index)}
		}
		if offset > 0 {
			if rerr := t.RewindChunk(index); rerr != nil {
				return rerr
			}
			tr.logger.Debug().
				Str("task_id", t.ID()).
				Int64("offset", offset).
				Msg("server ignored resume offset, restarting from zero")
			if chunk.Open() {
				if terr := file.Truncate(0); terr != nil {
					return &permanentError{fmt.Errorf("truncate %s: %w", file.Name(), terr)}
				}
			}
			chunk.Downloaded = 0
			offset = 0
		}
		if resp.ContentLength > 0 && !chunk.Open() {
			if terr := t.SetTotalSize(resp.ContentLength); terr != nil {
				return &permanentError{fmt.Errorf("chunk %d: %w", index, terr)}
			}
		}
	default:
		return &permanentError{fmt.Errorf("chunk %d: %w", index, ErrUnexpectedHTTPStatus(resp.StatusCode))}
	}

	var src io.Reader = resp.Body
	if !chunk.Open() {
		// Never write past the chunk's window, even if the server keeps
		// talking.
		src = io.LimitReader(resp.Body, chunk.End-offset)
	}

	buf := make([]byte, readQuantum)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if werr := tr.budget.Wait(ctx, n); werr != nil {
				return werr
			}
			if _, werr := file.WriteAt(buf[:n], offset); werr != nil {
				return &permanentError{fmt.Errorf("write %s: %w", file.Name(), werr)}
			}
			if perr := t.AddChunkProgress(index, int64(n)); perr != nil {
				return &permanentError{perr}
			}
			offset += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("chunk %d read: %w", index, rerr)
		}
	}

	refreshed := t.Chunks()[index]
	if !refreshed.Open() && !refreshed.Complete() {
		return fmt.Errorf("chunk %d ended early: %d of %d bytes", index, refreshed.Downloaded, refreshed.Len())
	}
	return nil
}

// finalize verifies the assembled file and moves it to its real name.
func (tr *Transferrer) finalize(t *task.Task, file *os.File, partPath string, transferred int64, elapsed time.Duration) error {
	for _, c := range t.Chunks() {
		if !c.Complete() {
			file.Close()
			return fmt.Errorf("assembly check: chunk %d has %d of %d bytes", c.Index, c.Downloaded, c.Len())
		}
	}
	total := t.TotalSize()
	if sum := t.Downloaded(); total > 0 && sum != total {
		file.Close()
		return fmt.Errorf("assembly check: %d bytes downloaded for a %d byte file", sum, total)
	}
	if fi, err := file.Stat(); err == nil && total > 0 && fi.Size() != total {
		file.Close()
		return fmt.Errorf("assembly check: file has %d bytes, expected %d", fi.Size(), total)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync %s: %w", partPath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", partPath, err)
	}
	if err := os.Rename(partPath, t.Dest()); err != nil {
		return fmt.Errorf("finalize %s: %w", t.Dest(), err)
	}

	throughput := "-"
	if elapsed > 0 {
		throughput = fmt.Sprintf("%s/s", humanize.Bytes(uint64(float64(transferred)/elapsed.Seconds())))
	}
	tr.logger.Info().
		Str("url", t.URL()).
		Str("dest", t.Dest()).
		Str("size", humanize.Bytes(uint64(total))).
		Str("elapsed", fmt.Sprintf("%.3fs", elapsed.Seconds())).
		Str("throughput", throughput).
		Msg("download complete")
	return nil
}

// flushLoop samples speed and persists the record until stop closes.
func (tr *Transferrer) flushLoop(t *task.Task, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(tr.opts.FlushInterval)
	defer ticker.Stop()

	last := t.Downloaded()
	lastAt := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := t.Downloaded()
			if elapsed := time.Since(lastAt); elapsed > 0 {
				t.SetSpeed(int64(float64(now-last) / elapsed.Seconds()))
			}
			last = now
			lastAt = time.Now()
			tr.save(t)
		}
	}
}

func (tr *Transferrer) save(t *task.Task) {
	if tr.saver == nil {
		return
	}
	if err := tr.saver.Save(t); err != nil {
		tr.logger.Warn().Err(err).Str("task_id", t.ID()).Msg("persisting task record failed")
	}
}

func backoffFor(attempt int, base, max time.Duration) time.Duration {
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= max {
			return max
		}
	}
	if wait > max {
		return max
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseContentRange(header string) (start, total int64, ok bool) {
	var end int64
	if _, err := fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		return 0, 0, false
	}
	return start, total, true
}

// permanentError marks a chunk failure more attempts cannot fix. By the
// time one is returned the retrying client has already spent the request
// budget.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
