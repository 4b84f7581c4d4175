package task

import (
	"fmt"
	"time"
)

// Record is the durable form of a task. PlanHash is filled in by the
// store when writing and verified when loading.
type Record struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Filename  string      `json:"filename"`
	Dest      string      `json:"dest"`
	Extract   bool        `json:"extract,omitempty"`
	Status    Status      `json:"status"`
	Error     string      `json:"error,omitempty"`
	TotalSize int64       `json:"total_size"`
	Chunks    []Chunk     `json:"chunks,omitempty"`
	Plan      *PlanInputs `json:"plan,omitempty"`
	PlanHash  uint64      `json:"plan_hash,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Record snapshots the task into its durable form.
func (t *Task) Record() Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	record := Record{
		ID:        t.id,
		URL:       t.url,
		Filename:  t.filename,
		Dest:      t.dest,
		Extract:   t.extract,
		Status:    t.status,
		Error:     t.errReason,
		TotalSize: t.totalSize,
		CreatedAt: t.createdAt,
		UpdatedAt: t.updatedAt,
	}
	if len(t.chunks) > 0 {
		record.Chunks = make([]Chunk, len(t.chunks))
		copy(record.Chunks, t.chunks)
	}
	if t.plan != nil {
		plan := *t.plan
		record.Plan = &plan
	}
	return record
}

// FromRecord rehydrates a task from its durable form. A record that was
// mid-transfer comes back as Queued with its active chunks returned to
// pending: workers do not survive a restart, progress does.
func FromRecord(record Record) (*Task, error) {
	if record.ID == "" {
		return nil, fmt.Errorf("record has no id")
	}
	if record.URL == "" {
		return nil, fmt.Errorf("record %s has no url", record.ID)
	}
	if !record.Status.Valid() {
		return nil, fmt.Errorf("record %s has unknown status %q", record.ID, record.Status)
	}

	status := record.Status
	if status == StatusDownloading {
		status = StatusQueued
	}

	chunks := make([]Chunk, len(record.Chunks))
	copy(chunks, record.Chunks)
	for i := range chunks {
		c := &chunks[i]
		if c.Start < 0 || (!c.Open() && c.End < c.Start) {
			return nil, fmt.Errorf("record %s chunk %d has invalid range [%d,%d)", record.ID, c.Index, c.Start, c.End)
		}
		if c.Downloaded < 0 || (!c.Open() && c.Downloaded > c.Len()) {
			return nil, fmt.Errorf("record %s chunk %d has invalid progress %d", record.ID, c.Index, c.Downloaded)
		}
		if c.State == ChunkActive {
			c.State = ChunkPending
		}
	}

	t := &Task{
		id:        record.ID,
		url:       record.URL,
		filename:  record.Filename,
		dest:      record.Dest,
		extract:   record.Extract,
		status:    status,
		errReason: record.Error,
		totalSize: record.TotalSize,
		chunks:    chunks,
		createdAt: record.CreatedAt,
		updatedAt: record.UpdatedAt,
	}
	if record.Plan != nil {
		plan := *record.Plan
		t.plan = &plan
	}
	return t, nil
}

// Snapshot is the read-only task view handed to control layers.
type Snapshot struct {
	ID         string  `json:"id"`
	URL        string  `json:"url"`
	Filename   string  `json:"filename"`
	Dest       string  `json:"filepath"`
	Status     Status  `json:"status"`
	Error      string  `json:"error,omitempty"`
	TotalSize  int64   `json:"total_size"`
	Downloaded int64   `json:"downloaded_size"`
	Progress   float64 `json:"progress"`
	SpeedBPS   int64   `json:"speed"`
	ETASeconds int64   `json:"eta"`
}

// Snapshot returns a consistent point-in-time view of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	downloaded := t.downloadedLocked()
	var progress float64
	if t.totalSize > 0 {
		progress = float64(downloaded) / float64(t.totalSize) * 100
	}
	var eta int64
	if t.speedBPS > 0 && t.totalSize > downloaded {
		eta = (t.totalSize - downloaded) / t.speedBPS
	}

	return Snapshot{
		ID:         t.id,
		URL:        t.url,
		Filename:   t.filename,
		Dest:       t.dest,
		Status:     t.status,
		Error:      t.errReason,
		TotalSize:  t.totalSize,
		Downloaded: downloaded,
		Progress:   progress,
		SpeedBPS:   t.speedBPS,
		ETASeconds: eta,
	}
}
