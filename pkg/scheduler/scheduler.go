// Package scheduler owns the task registry and the download lifecycle
// around it: admission of queued tasks up to the concurrency cap, probing
// and planning on first start, handing planned tasks to the transferrer,
// and the pause, resume, cancel and retry operations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/getsluice/sluice/pkg/budget"
	"github.com/getsluice/sluice/pkg/config"
	"github.com/getsluice/sluice/pkg/logging"
	"github.com/getsluice/sluice/pkg/planner"
	"github.com/getsluice/sluice/pkg/probe"
	"github.com/getsluice/sluice/pkg/task"
	"github.com/getsluice/sluice/pkg/transfer"
)

// ErrTaskNotFound is returned for operations on an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// Cancellation causes. A runner inspects its context cause to decide
// whether a dying task is pausing or canceling.
var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
)

// Store persists task records across runs. *store.Store satisfies it.
type Store interface {
	Save(t *task.Task) error
	LoadAll() ([]*task.Task, error)
	Delete(id string) error
}

// Prober answers capability questions about a URL before planning.
// *probe.Prober satisfies it.
type Prober interface {
	Probe(ctx context.Context, url string) probe.Result
	Head(ctx context.Context, url string) probe.Result
}

// Transferrer moves a planned task's bytes onto disk.
type Transferrer interface {
	Run(ctx context.Context, t *task.Task) error
}

// Extractor unpacks a completed download into a directory.
type Extractor interface {
	Extract(src, destDir string) error
}

// Listener observes task lifecycle changes. Callbacks run inline on
// scheduler goroutines and must return quickly.
type Listener interface {
	OnTaskQueued(s task.Snapshot)
	OnTaskStarted(s task.Snapshot)
	OnTaskProgressed(s task.Snapshot)
	OnTaskPaused(s task.Snapshot)
	OnTaskCompleted(s task.Snapshot)
	OnTaskFailed(s task.Snapshot)
	OnTaskCanceled(s task.Snapshot)
}

// NopListener implements Listener with empty methods, for embedding.
type NopListener struct{}

func (NopListener) OnTaskQueued(task.Snapshot)     {}
func (NopListener) OnTaskStarted(task.Snapshot)    {}
func (NopListener) OnTaskProgressed(task.Snapshot) {}
func (NopListener) OnTaskPaused(task.Snapshot)     {}
func (NopListener) OnTaskCompleted(task.Snapshot)  {}
func (NopListener) OnTaskFailed(task.Snapshot)     {}
func (NopListener) OnTaskCanceled(task.Snapshot)   {}

// Request describes one download to enqueue.
type Request struct {
	URL string
	// Filename overrides the probed name inside the download directory.
	Filename string
	// Dest pins the full output path, bypassing collision renaming.
	Dest string
	// Extract unpacks recognized archives after completion.
	Extract bool
}

// Grouped is the categorized registry snapshot, one bucket per status.
// Enqueue order is kept within each bucket.
type Grouped struct {
	Active    []task.Snapshot `json:"active"`
	Queued    []task.Snapshot `json:"queued"`
	Paused    []task.Snapshot `json:"paused"`
	Completed []task.Snapshot `json:"completed"`
	Failed    []task.Snapshot `json:"failed"`
	Canceled  []task.Snapshot `json:"canceled"`
}

// Deps are the collaborators a Scheduler drives. Store and Extractor may
// be nil. Transfer, when set, overrides the transferrer otherwise built
// from Client and Budget.
type Deps struct {
	Store     Store
	Prober    Prober
	Client    *http.Client
	Budget    *budget.Budget
	Transfer  Transferrer
	Extractor Extractor
}

type running struct {
	cancel     context.CancelCauseFunc
	removeData atomic.Bool
}

// Scheduler tracks every known task and runs the admission loop that
// keeps at most MaxConcurrentDownloads of them transferring at once.
type Scheduler struct {
	store     Store
	prober    Prober
	transfer  Transferrer
	extractor Extractor
	budget    *budget.Budget
	logger    zerolog.Logger

	mu        sync.RWMutex
	cfg       config.Settings
	tasks     map[string]*task.Task
	order     []string
	queue     []string
	active    map[string]*running
	listeners []Listener
	running   bool
	baseStop  context.CancelFunc

	wg   sync.WaitGroup
	kick chan struct{}
}

func New(cfg config.Settings, deps Deps) *Scheduler {
	s := &Scheduler{
		store:     deps.Store,
		prober:    deps.Prober,
		extractor: deps.Extractor,
		budget:    deps.Budget,
		logger:    logging.GetLogger().With().Str("component", "scheduler").Logger(),
		cfg:       cfg,
		tasks:     make(map[string]*task.Task),
		active:    make(map[string]*running),
		kick:      make(chan struct{}, 1),
	}
	if s.budget == nil {
		s.budget = budget.New(cfg.MaxSpeedLimit)
	}
	s.transfer = deps.Transfer
	if s.transfer == nil {
		s.transfer = transfer.New(deps.Client, s.budget, progressSaver{s}, transfer.Options{
			RetryAttempts: cfg.RetryAttempts,
			RetryWait:     cfg.RetryBackoff,
			RetryWaitMax:  cfg.RetryBackoffMax,
		})
	}
	return s
}

// progressSaver is the transfer-facing persistence hook: every flush of
// chunk progress lands in the store and fans out as a progress event.
type progressSaver struct{ s *Scheduler }

func (p progressSaver) Save(t *task.Task) error {
	p.s.notify(eventProgressed, t)
	if p.s.store == nil {
		return nil
	}
	return p.s.store.Save(t)
}

// Start launches the admission loop. Calling it on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.baseStop = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.admitLoop(ctx)
	s.kickAdmission()
}

// Stop pauses every active task and shuts the admission loop down,
// waiting until ctx expires for the runners to flush their final
// records. Queued tasks stay queued; a later Start picks them back up.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, r := range s.active {
		r.cancel(errPauseRequested)
	}
	stop := s.baseStop
	s.mu.Unlock()

	stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// Restore loads persisted tasks into the registry. Records that were
// mid-download when the previous process died come back queued, paused
// and terminal records keep their status. Known ids are not replaced.
func (s *Scheduler) Restore() (int, error) {
	if s.store == nil {
		return 0, nil
	}
	loaded, err := s.store.LoadAll()
	if err != nil {
		return 0, err
	}

	restored := 0
	s.mu.Lock()
	for _, t := range loaded {
		if _, exists := s.tasks[t.ID()]; exists {
			continue
		}
		s.tasks[t.ID()] = t
		s.order = append(s.order, t.ID())
		if t.Status() == task.StatusQueued {
			s.queue = append(s.queue, t.ID())
		}
		restored++
	}
	s.mu.Unlock()

	if restored > 0 {
		s.logger.Info().Int("tasks", restored).Msg("restored tasks from previous run")
	}
	s.kickAdmission()
	return restored, nil
}

// Enqueue registers a new download and returns its task id. With
// auto-start configured the scheduler begins running on first use.
func (s *Scheduler) Enqueue(req Request) (string, error) {
	parsed, err := neturl.ParseRequestURI(strings.TrimSpace(req.URL))
	if err != nil {
		return "", fmt.Errorf("invalid download url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}

	t := task.New(parsed.String(), req.Filename, req.Dest)
	t.SetExtract(req.Extract)

	s.mu.Lock()
	s.tasks[t.ID()] = t
	s.order = append(s.order, t.ID())
	s.queue = append(s.queue, t.ID())
	autoStart := s.cfg.AutoStart
	s.mu.Unlock()

	s.logger.Info().Str("task", t.ID()).Str("url", t.URL()).Msg("task queued")
	s.persist(t)
	s.notify(eventQueued, t)

	if autoStart {
		s.Start()
	}
	s.kickAdmission()
	return t.ID(), nil
}

// EnqueueBatch queues every entry, skipping blanks and logging entries
// that fail validation. The returned ids parallel the accepted requests.
func (s *Scheduler) EnqueueBatch(reqs []Request) []string {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if strings.TrimSpace(req.URL) == "" {
			continue
		}
		id, err := s.Enqueue(req)
		if err != nil {
			s.logger.Warn().Err(err).Str("url", req.URL).Msg("skipping batch entry")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Pause asks an actively downloading task to park. Its workers let go of
// their chunks, progress persists, and Resume picks the same plan up.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	r := s.active[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if r == nil {
		return fmt.Errorf("task %s is %s, only a downloading task can pause", id, t.Status())
	}
	r.cancel(errPauseRequested)
	return nil
}

// Resume requeues a paused or failed task behind the current queue tail.
func (s *Scheduler) Resume(id string) error {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := t.SetStatus(task.StatusQueued); err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, id)
	s.mu.Unlock()

	s.persist(t)
	s.notify(eventQueued, t)
	s.kickAdmission()
	return nil
}

// Cancel aborts a task in any non-terminal state. An active task settles
// asynchronously once its workers exit. With removeData the partial file
// is deleted after the workers have let go of it.
func (s *Scheduler) Cancel(id string, removeData bool) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if r := s.active[id]; r != nil {
		r.removeData.Store(removeData)
		r.cancel(errCancelRequested)
		s.mu.Unlock()
		return nil
	}
	s.queue = removeID(s.queue, id)
	s.mu.Unlock()

	if err := t.SetStatus(task.StatusCanceled); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if removeData {
		s.removePartial(t)
	}
	s.logger.Info().Str("task", t.ID()).Msg("task canceled")
	s.notify(eventCanceled, t)
	s.persist(t)
	return nil
}

// RetryFailed requeues every failed task and reports their ids. Only
// failed chunks are reset, finished ranges are not downloaded again.
func (s *Scheduler) RetryFailed() []string {
	s.mu.RLock()
	failed := make([]*task.Task, 0)
	for _, id := range s.order {
		if t := s.tasks[id]; t != nil && t.Status() == task.StatusFailed {
			failed = append(failed, t)
		}
	}
	s.mu.RUnlock()

	retried := make([]string, 0, len(failed))
	for _, t := range failed {
		if err := t.SetStatus(task.StatusQueued); err != nil {
			continue
		}
		t.ResetFailedChunks()

		s.mu.Lock()
		s.queue = append(s.queue, t.ID())
		s.mu.Unlock()

		s.persist(t)
		s.notify(eventQueued, t)
		retried = append(retried, t.ID())
	}
	if len(retried) > 0 {
		s.logger.Info().Int("tasks", len(retried)).Msg("retrying failed tasks")
		s.kickAdmission()
	}
	return retried
}

// ClearCompleted drops completed tasks from the registry and the store,
// returning the removed ids. The downloaded files stay where they are.
func (s *Scheduler) ClearCompleted() []string {
	s.mu.Lock()
	removed := make([]string, 0)
	kept := s.order[:0]
	for _, id := range s.order {
		t := s.tasks[id]
		if t != nil && t.Status() == task.StatusCompleted {
			delete(s.tasks, id)
			removed = append(removed, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.mu.Unlock()

	for _, id := range removed {
		if s.store == nil {
			continue
		}
		if err := s.store.Delete(id); err != nil {
			s.logger.Warn().Err(err).Str("task", id).Msg("deleting completed task record failed")
		}
	}
	return removed
}

// List returns every known task grouped by status.
func (s *Scheduler) List() Grouped {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var g Grouped
	for _, id := range s.order {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		snap := t.Snapshot()
		switch snap.Status {
		case task.StatusDownloading:
			g.Active = append(g.Active, snap)
		case task.StatusQueued:
			g.Queued = append(g.Queued, snap)
		case task.StatusPaused:
			g.Paused = append(g.Paused, snap)
		case task.StatusCompleted:
			g.Completed = append(g.Completed, snap)
		case task.StatusFailed:
			g.Failed = append(g.Failed, snap)
		case task.StatusCanceled:
			g.Canceled = append(g.Canceled, snap)
		}
	}
	return g
}

// Get returns a point-in-time snapshot of one task.
func (s *Scheduler) Get(id string) (task.Snapshot, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Snapshot(), nil
}

// Settings returns the live configuration snapshot.
func (s *Scheduler) Settings() config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateSettings swaps the configuration. The speed limit and the
// concurrency cap apply immediately, planning values only affect tasks
// planned from now on.
func (s *Scheduler) UpdateSettings(next config.Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()

	s.budget.SetLimit(next.MaxSpeedLimit)
	s.kickAdmission()
	return nil
}

// AddListener subscribes l to lifecycle events.
func (s *Scheduler) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Scheduler) admitLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.admitReady(ctx)
		}
	}
}

// kickAdmission nudges the admission loop without blocking.
func (s *Scheduler) kickAdmission() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// admitReady pops queued tasks in FIFO order while free slots remain.
func (s *Scheduler) admitReady(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.running || len(s.queue) == 0 || len(s.active) >= s.cfg.MaxConcurrentDownloads {
			s.mu.Unlock()
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		t, ok := s.tasks[id]
		if !ok || t.Status() != task.StatusQueued {
			// canceled or cleared while waiting for a slot
			s.mu.Unlock()
			continue
		}
		runCtx, cancel := context.WithCancelCause(ctx)
		s.active[id] = &running{cancel: cancel}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.runTask(runCtx, t)
	}
}

// runTask drives one admitted task from Downloading to a settled state,
// then frees its slot.
func (s *Scheduler) runTask(ctx context.Context, t *task.Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, t.ID())
		s.mu.Unlock()
		s.kickAdmission()
	}()

	if err := t.SetStatus(task.StatusDownloading); err != nil {
		s.logger.Warn().Err(err).Str("task", t.ID()).Msg("admitted task cannot start")
		return
	}
	s.notify(eventStarted, t)
	s.persist(t)

	err := s.prepare(ctx, t)
	if err == nil {
		err = s.transfer.Run(ctx, t)
	}
	s.settle(ctx, t, err)
}

// prepare leaves the task with a chunk plan. A restored task that
// already moved bytes keeps its persisted plan and only gets a
// lightweight head check against remote content changes. Everything else
// is probed and planned fresh under current settings.
func (s *Scheduler) prepare(ctx context.Context, t *task.Task) error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	if _, ok := t.Plan(); ok && t.Downloaded() > 0 {
		if s.prober == nil {
			return nil
		}
		res := s.prober.Head(ctx, t.URL())
		if err := ctx.Err(); err != nil {
			return err
		}
		if res.Size > 0 && t.TotalSize() > 0 && res.Size != t.TotalSize() {
			return fmt.Errorf("remote content changed: size %d, expected %d", res.Size, t.TotalSize())
		}
		return nil
	}

	res := probe.Result{FinalURL: t.URL(), MaxConnections: 1}
	if s.prober != nil {
		res = s.prober.Probe(ctx, t.URL())
	}
	// A probe aborted by pause or cancel degrades to the conservative
	// result; planning from it would lock in a bad layout.
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Filename() == "" {
		name := res.Filename
		if name == "" {
			name = "download-" + t.ID()[:8]
		}
		t.SetFilename(name)
	}
	if t.Dest() == "" {
		t.SetDest(s.uniqueDest(cfg.DownloadDir, t.Filename()))
	}
	if res.Size > 0 {
		if err := t.SetTotalSize(res.Size); err != nil {
			return err
		}
	}
	in := planner.Inputs(res, cfg)
	return t.SetPlan(planner.Plan(t.TotalSize(), in), in)
}

// settle moves a finished run to its terminal or parked status and
// persists the outcome.
func (s *Scheduler) settle(ctx context.Context, t *task.Task, err error) {
	if err == nil {
		err = s.extract(t)
	}

	switch {
	case err == nil:
		if serr := t.SetStatus(task.StatusCompleted); serr != nil {
			s.logger.Warn().Err(serr).Str("task", t.ID()).Msg("completion on settled task")
		}
		s.logger.Info().Str("task", t.ID()).Str("dest", t.Dest()).Msg("task completed")
		s.notify(eventCompleted, t)
	case ctx.Err() != nil:
		if errors.Is(context.Cause(ctx), errCancelRequested) {
			s.discard(t)
			return
		}
		// pause request, or scheduler shutdown
		if serr := t.SetStatus(task.StatusPaused); serr != nil {
			s.logger.Warn().Err(serr).Str("task", t.ID()).Msg("pause on settled task")
		}
		s.logger.Info().Str("task", t.ID()).Int64("downloaded", t.Downloaded()).Msg("task paused")
		s.notify(eventPaused, t)
	default:
		if ferr := t.Fail(err); ferr != nil {
			s.logger.Warn().Err(ferr).Str("task", t.ID()).Msg("failure on settled task")
		}
		s.logger.Error().Err(err).Str("task", t.ID()).Str("url", t.URL()).Msg("task failed")
		s.notify(eventFailed, t)
	}
	s.persist(t)
}

// discard settles a canceled run: marks the task, honors the remove-data
// request recorded by Cancel, and persists the outcome.
func (s *Scheduler) discard(t *task.Task) {
	s.mu.RLock()
	r := s.active[t.ID()]
	s.mu.RUnlock()
	removeData := r != nil && r.removeData.Load()

	if err := t.SetStatus(task.StatusCanceled); err != nil {
		s.logger.Warn().Err(err).Str("task", t.ID()).Msg("cancel on settled task")
	}
	if removeData {
		s.removePartial(t)
	}
	s.logger.Info().Str("task", t.ID()).Msg("task canceled")
	s.notify(eventCanceled, t)
	s.persist(t)
}

func (s *Scheduler) extract(t *task.Task) error {
	if !t.Extract() || s.extractor == nil {
		return nil
	}
	if err := s.extractor.Extract(t.Dest(), filepath.Dir(t.Dest())); err != nil {
		return fmt.Errorf("extracting %s: %w", filepath.Base(t.Dest()), err)
	}
	return nil
}

// removePartial deletes the partial file a canceled task left behind.
func (s *Scheduler) removePartial(t *task.Task) {
	if t.Dest() == "" {
		return
	}
	part := t.Dest() + transfer.PartSuffix
	if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", part).Msg("removing partial file failed")
	}
}

// uniqueDest joins dir and name, counting "name (1).ext" style suffixes
// up until the candidate collides with neither a file on disk, a partial
// next to it, nor another live task's destination.
func (s *Scheduler) uniqueDest(dir, name string) string {
	taken := make(map[string]bool)
	s.mu.RLock()
	for _, other := range s.tasks {
		if other.Status() == task.StatusCanceled {
			continue
		}
		if d := other.Dest(); d != "" {
			taken[d] = true
		}
	}
	s.mu.RUnlock()

	dest := filepath.Join(dir, name)
	if !destTaken(dest, taken) {
		return dest
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if !destTaken(candidate, taken) {
			return candidate
		}
	}
}

func destTaken(dest string, registered map[string]bool) bool {
	if registered[dest] {
		return true
	}
	if _, err := os.Stat(dest); err == nil {
		return true
	}
	if _, err := os.Stat(dest + transfer.PartSuffix); err == nil {
		return true
	}
	return false
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

type event int

const (
	eventQueued event = iota
	eventStarted
	eventProgressed
	eventPaused
	eventCompleted
	eventFailed
	eventCanceled
)

func (s *Scheduler) notify(ev event, t *task.Task) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	snap := t.Snapshot()
	for _, l := range listeners {
		switch ev {
		case eventQueued:
			l.OnTaskQueued(snap)
		case eventStarted:
			l.OnTaskStarted(snap)
		case eventProgressed:
			l.OnTaskProgressed(snap)
		case eventPaused:
			l.OnTaskPaused(snap)
		case eventCompleted:
			l.OnTaskCompleted(snap)
		case eventFailed:
			l.OnTaskFailed(snap)
		case eventCanceled:
			l.OnTaskCanceled(snap)
		}
	}
}

func (s *Scheduler) persist(t *task.Task) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(t); err != nil {
		s.logger.Warn().Err(err).Str("task", t.ID()).Msg("persisting task record failed")
	}
}
