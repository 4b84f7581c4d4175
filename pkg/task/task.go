// Package task models one download: its identity, lifecycle status, chunk
// layout and progress. All mutation goes through methods that hold the
// task's lock and enforce the status transition table.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PlanInputs captures the probe and configuration values a chunk layout
// was derived from. They are persisted alongside the chunks so a resumed
// task keeps its original boundaries even if live configuration changed.
type PlanInputs struct {
	SupportsRange  bool  `json:"supports_range"`
	MaxConnections int   `json:"max_connections"`
	ChunkSize      int64 `json:"chunk_size"`
	ChunkNumber    int   `json:"chunk_number"`
	MinSplitSize   int64 `json:"min_split_size"`
}

// Task is one download managed by the scheduler. Identity fields are set
// at creation and never change, everything else is guarded by mu.
type Task struct {
	id        string
	url       string
	createdAt time.Time

	mu        sync.RWMutex
	filename  string
	dest      string
	extract   bool
	status    Status
	errReason string
	totalSize int64
	chunks    []Chunk
	plan      *PlanInputs
	speedBPS  int64
	updatedAt time.Time
}

// New creates a queued task for url. Filename and dest may be empty, a
// probe fills them in before planning.
func New(url, filename, dest string) *Task {
	now := time.Now()
	return &Task{
		id:        uuid.NewString(),
		url:       url,
		filename:  filename,
		dest:      dest,
		status:    StatusQueued,
		createdAt: now,
		updatedAt: now,
	}
}

func (t *Task) ID() string           { return t.id }
func (t *Task) URL() string          { return t.url }
func (t *Task) CreatedAt() time.Time { return t.createdAt }

func (t *Task) Filename() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filename
}

func (t *Task) SetFilename(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filename = name
}

func (t *Task) Dest() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dest
}

func (t *Task) SetDest(dest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dest = dest
}

func (t *Task) Extract() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.extract
}

func (t *Task) SetExtract(extract bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extract = extract
}

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetStatus moves the task to next if the transition table allows it.
// Entering Queued clears any recorded error, that is the retry path.
func (t *Task) SetStatus(next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setStatusLocked(next)
}

func (t *Task) setStatusLocked(next Status) error {
	if !t.status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, next)
	}
	t.status = next
	if next == StatusQueued {
		t.errReason = ""
	}
	t.updatedAt = time.Now()
	return nil
}

// Fail moves the task to Failed and records the reason.
func (t *Task) Fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if serr := t.setStatusLocked(StatusFailed); serr != nil {
		return serr
	}
	if err != nil {
		t.errReason = err.Error()
	}
	return nil
}

func (t *Task) Err() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errReason
}

func (t *Task) TotalSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSize
}

// SetTotalSize records the discovered size. The size is immutable once
// known: a different non-zero value is rejected.
func (t *Task) SetTotalSize(size int64) error {
	if size < 0 {
		return fmt.Errorf("negative total size %d", size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.totalSize > 0 && t.totalSize != size {
		return fmt.Errorf("total size already known as %d, refusing change to %d", t.totalSize, size)
	}
	t.totalSize = size
	return nil
}

// SetPlan installs the planned chunk layout together with the inputs that
// produced it. An existing layout with progress is never replaced.
func (t *Task) SetPlan(chunks []Chunk, inputs PlanInputs) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.chunks {
		if c.Downloaded > 0 {
			return fmt.Errorf("task %s already has chunk progress, plan is locked", t.id)
		}
	}
	t.chunks = make([]Chunk, len(chunks))
	copy(t.chunks, chunks)
	t.plan = &inputs
	t.updatedAt = time.Now()
	return nil
}

// Plan returns the persisted planning inputs, if a plan exists.
func (t *Task) Plan() (PlanInputs, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.plan == nil {
		return PlanInputs{}, false
	}
	return *t.plan, true
}

// Chunks returns a copy of the chunk layout.
func (t *Task) Chunks() []Chunk {
	t.mu.RLock()
	defer t.mu.RUnlock()
	chunks := make([]Chunk, len(t.chunks))
	copy(chunks, t.chunks)
	return chunks
}

func (t *Task) chunkAt(index int) (*Chunk, error) {
	if index < 0 || index >= len(t.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0,%d)", index, len(t.chunks))
	}
	return &t.chunks[index], nil
}

// StartChunk marks a pending chunk active. A chunk already owned by a
// worker or finished is refused, there is never more than one worker set.
func (t *Task) StartChunk(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	chunk, err := t.chunkAt(index)
	if err != nil {
		return err
	}
	if chunk.State != ChunkPending {
		return fmt.Errorf("chunk %d is %s, not pending", index, chunk.State)
	}
	chunk.State = ChunkActive
	return nil
}

// AddChunkProgress advances a chunk's downloaded counter by n bytes. The
// counter can never exceed the chunk's bounded length.
func (t *Task) AddChunkProgress(index int, n int64) error {
	if n < 0 {
		return fmt.Errorf("negative progress %d", n)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	chunk, err := t.chunkAt(index)
	if err != nil {
		return err
	}
	if !chunk.Open() && chunk.Downloaded+n > chunk.Len() {
		return fmt.Errorf("chunk %d progress %d exceeds length %d", index, chunk.Downloaded+n, chunk.Len())
	}
	chunk.Downloaded += n
	return nil
}

// FinishChunk marks an active chunk done. An open-ended chunk is closed at
// its final byte count, and the task's total size becomes known with it.
func (t *Task) FinishChunk(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	chunk, err := t.chunkAt(index)
	if err != nil {
		return err
	}
	if chunk.State != ChunkActive {
		return fmt.Errorf("chunk %d is %s, not active", index, chunk.State)
	}
	if chunk.Open() {
		chunk.End = chunk.Start + chunk.Downloaded
		if t.totalSize == 0 {
			t.totalSize = chunk.End
		}
	}
	if !chunk.Complete() {
		return fmt.Errorf("chunk %d finished with %d of %d bytes", index, chunk.Downloaded, chunk.Len())
	}
	chunk.State = ChunkDone
	return nil
}

// FailChunk marks an active chunk failed. Progress is kept, a retry
// resumes from the recorded offset.
func (t *Task) FailChunk(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	chunk, err := t.chunkAt(index)
	if err != nil {
		return err
	}
	if chunk.State != ChunkActive {
		return fmt.Errorf("chunk %d is %s, not active", index, chunk.State)
	}
	chunk.State = ChunkFailed
	return nil
}

// ReleaseChunk returns an active chunk to pending at its current offset.
// This is the cooperative pause/cancel path, never a failure.
func (t *Task) ReleaseChunk(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	chunk, err := t.chunkAt(index)
	if err != nil {
		return err
	}
	if chunk.State != ChunkActive {
		return fmt.Errorf("chunk %d is %s, not active", index, chunk.State)
	}
	chunk.State = ChunkPending
	return nil
}

// RewindChunk drops an active chunk's progress so its range restarts from
// the first byte. Used when a server stops honoring resume offsets.
func (t *Task) RewindChunk(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	chunk, err := t.chunkAt(index)
	if err != nil {
		return err
	}
	if chunk.State != ChunkActive {
		return fmt.Errorf("chunk %d is %s, not active", index, chunk.State)
	}
	chunk.Downloaded = 0
	return nil
}

// ResetProgress returns every chunk to pending with zero bytes, keeping
// the planned boundaries. Used when the partial file backing the recorded
// progress is gone.
func (t *Task) ResetProgress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.chunks {
		t.chunks[i].Downloaded = 0
		t.chunks[i].State = ChunkPending
	}
	t.updatedAt = time.Now()
}

// ResetFailedChunks returns failed chunks to pending, keeping their byte
// progress, and reports how many were reset. Done chunks are untouched.
func (t *Task) ResetFailedChunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	reset := 0
	for i := range t.chunks {
		if t.chunks[i].State == ChunkFailed {
			t.chunks[i].State = ChunkPending
			reset++
		}
	}
	return reset
}

// Downloaded returns the task's transferred byte count. It is always the
// sum over chunks, there is no separately maintained counter to drift.
func (t *Task) Downloaded() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.downloadedLocked()
}

func (t *Task) downloadedLocked() int64 {
	var sum int64
	for _, c := range t.chunks {
		sum += c.Downloaded
	}
	return sum
}

// Progress returns completion as a percentage, 0 when the size is unknown.
func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.totalSize <= 0 {
		return 0
	}
	return float64(t.downloadedLocked()) / float64(t.totalSize) * 100
}

// SetSpeed records the most recent transfer rate in bytes per second.
func (t *Task) SetSpeed(bps int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speedBPS = bps
	t.updatedAt = time.Now()
}

func (t *Task) Speed() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.speedBPS
}
