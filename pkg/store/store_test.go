package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getsluice/sluice/pkg/planner"
	"github.com/getsluice/sluice/pkg/task"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

// pausedTask builds a task that was planned, made some progress and then
// paused, the shape a restart has to bring back faithfully.
func pausedTask(t *testing.T) *task.Task {
	t.Helper()
	tk := task.New("https://example.com/files/archive.bin", "archive.bin", filepath.Join("downloads", "archive.bin"))
	require.NoError(t, tk.SetTotalSize(100<<20))

	in := task.PlanInputs{SupportsRange: true, MaxConnections: 16, ChunkSize: 25 << 20, ChunkNumber: 4, MinSplitSize: 10 << 20}
	require.NoError(t, tk.SetPlan(planner.Plan(100<<20, in), in))

	require.NoError(t, tk.SetStatus(task.StatusDownloading))
	require.NoError(t, tk.StartChunk(0))
	require.NoError(t, tk.AddChunkProgress(0, 12345))
	require.NoError(t, tk.ReleaseChunk(0))
	require.NoError(t, tk.SetStatus(task.StatusPaused))
	return tk
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	tk := pausedTask(t)
	require.NoError(t, s.Save(tk))

	loaded, err := s.Load(tk.ID())
	require.NoError(t, err)

	assert.Equal(t, tk.ID(), loaded.ID())
	assert.Equal(t, tk.URL(), loaded.URL())
	assert.Equal(t, "archive.bin", loaded.Filename())
	assert.Equal(t, tk.Dest(), loaded.Dest())
	assert.Equal(t, task.StatusPaused, loaded.Status())
	assert.EqualValues(t, 100<<20, loaded.TotalSize())
	assert.EqualValues(t, 12345, loaded.Downloaded())
	assert.True(t, tk.CreatedAt().Equal(loaded.CreatedAt()))

	chunks := loaded.Chunks()
	require.Len(t, chunks, 4)
	assert.EqualValues(t, 12345, chunks[0].Downloaded)
	assert.Equal(t, task.ChunkPending, chunks[0].State)

	in, ok := loaded.Plan()
	require.True(t, ok)
	assert.Equal(t, 4, in.ChunkNumber)
	assert.True(t, in.SupportsRange)
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t)

	_, err := s.Load("0f2c7a9e-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRejectsBadIDs(t *testing.T) {
	s := newStore(t)

	_, err := s.Load("")
	assert.Error(t, err)

	_, err = s.Load(filepath.Join("..", "escape"))
	assert.Error(t, err)
}

func TestLoadRejectsMismatchedID(t *testing.T) {
	s := newStore(t)
	tk := pausedTask(t)
	require.NoError(t, s.Save(tk))

	// Copy the record under a different id, the content still claims the
	// original one.
	data, err := os.ReadFile(filepath.Join(s.Dir(), tk.ID()+recordExt))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "impostor"+recordExt), data, 0o644))

	_, err = s.Load("impostor")
	assert.ErrorContains(t, err, "claims id")
}

func TestTamperedBoundariesDropPlan(t *testing.T) {
	s := newStore(t)
	tk := pausedTask(t)
	require.NoError(t, s.Save(tk))

	path := filepath.Join(s.Dir(), tk.ID()+recordExt)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec task.Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	rec.Chunks[1].Start += 7
	mangled, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, mangled, 0o644))

	loaded, err := s.Load(tk.ID())
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, loaded.Status())
	assert.Empty(t, loaded.Chunks())
	assert.EqualValues(t, 0, loaded.Downloaded())
	_, ok := loaded.Plan()
	assert.False(t, ok)
}

func TestPlanNotFromPlannerIsDropped(t *testing.T) {
	s := newStore(t)
	tk := task.New("https://example.com/odd.bin", "odd.bin", "odd.bin")
	require.NoError(t, tk.SetTotalSize(100<<20))

	// Boundaries the planner would never produce for these inputs. The
	// fingerprint is stamped honestly, the replay check still rejects it.
	in := task.PlanInputs{SupportsRange: true, MaxConnections: 16, ChunkSize: 1 << 20, ChunkNumber: 4, MinSplitSize: 1 << 20}
	chunks := []task.Chunk{
		{Index: 0, Start: 0, End: 30 << 20, State: task.ChunkPending},
		{Index: 1, Start: 30 << 20, End: 100 << 20, State: task.ChunkPending},
	}
	require.NoError(t, tk.SetPlan(chunks, in))
	require.NoError(t, s.Save(tk))

	loaded, err := s.Load(tk.ID())
	require.NoError(t, err)
	assert.Empty(t, loaded.Chunks())
	_, ok := loaded.Plan()
	assert.False(t, ok)
}

func TestTerminalRecordSkipsVerification(t *testing.T) {
	s := newStore(t)

	// A completed record with boundaries nothing would replan and no
	// fingerprint at all. Nothing will resume it, it loads verbatim.
	rec := task.Record{
		ID:        "done-1",
		URL:       "https://example.com/done.bin",
		Status:    task.StatusCompleted,
		TotalSize: 100,
		Chunks: []task.Chunk{
			{Index: 0, Start: 0, End: 100, Downloaded: 100, State: task.ChunkDone},
		},
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), rec.ID+recordExt), data, 0o644))

	loaded, err := s.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, loaded.Status())
	assert.Len(t, loaded.Chunks(), 1)
	assert.EqualValues(t, 100, loaded.Downloaded())
}

func TestLoadAllOrdersByCreation(t *testing.T) {
	s := newStore(t)

	older := task.Record{
		ID:        "task-older",
		URL:       "https://example.com/a",
		Status:    task.StatusQueued,
		CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	newer := task.Record{
		ID:        "task-newer",
		URL:       "https://example.com/b",
		Status:    task.StatusQueued,
		CreatedAt: time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
	}

	// Saved newest first, loaded oldest first.
	for _, rec := range []task.Record{newer, older} {
		tk, err := task.FromRecord(rec)
		require.NoError(t, err)
		require.NoError(t, s.Save(tk))
	}

	tasks, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-older", tasks[0].ID())
	assert.Equal(t, "task-newer", tasks[1].ID())
}

func TestLoadAllSkipsCorruptFiles(t *testing.T) {
	s := newStore(t)
	tk := pausedTask(t)
	require.NoError(t, s.Save(tk))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "corrupt"+recordExt), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("ignored"), 0o644))

	tasks, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, tk.ID(), tasks[0].ID())
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newStore(t)
	tk := pausedTask(t)
	require.NoError(t, s.Save(tk))

	require.NoError(t, s.Delete(tk.ID()))
	require.NoError(t, s.Delete(tk.ID()))

	_, err := s.Load(tk.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSweepsStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	stray := filepath.Join(dir, "zzz"+recordExt+tmpExt)
	require.NoError(t, os.WriteFile(stray, []byte("{"), 0o644))

	_, err := New(dir)
	require.NoError(t, err)

	_, statErr := os.Stat(stray)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveSurvivesConcurrentWriters(t *testing.T) {
	s := newStore(t)
	tk := pausedTask(t)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 25; j++ {
				assert.NoError(t, s.Save(tk))
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	loaded, err := s.Load(tk.ID())
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, loaded.Status())
	assert.EqualValues(t, 12345, loaded.Downloaded())
}
