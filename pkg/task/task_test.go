package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitionTable(t *testing.T) {
	all := []Status{StatusQueued, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed, StatusCanceled}
	allowed := map[Status]map[Status]bool{
		StatusQueued:      {StatusDownloading: true, StatusCanceled: true},
		StatusDownloading: {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCanceled: true},
		StatusPaused:      {StatusQueued: true, StatusCanceled: true},
		StatusFailed:      {StatusQueued: true, StatusCanceled: true},
		StatusCompleted:   {},
		StatusCanceled:    {},
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[from][to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	for _, s := range []Status{StatusQueued, StatusDownloading, StatusPaused, StatusFailed} {
		assert.False(t, s.Terminal(), "%s", s)
	}
	assert.False(t, Status("bogus").Terminal())
}

func TestSetStatusEnforcesTable(t *testing.T) {
	tk := New("http://example.com/file.bin", "file.bin", "/tmp/file.bin")
	assert.Equal(t, StatusQueued, tk.Status())

	err := tk.SetStatus(StatusPaused)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusQueued, tk.Status())

	require.NoError(t, tk.SetStatus(StatusDownloading))
	require.NoError(t, tk.SetStatus(StatusCompleted))

	err = tk.SetStatus(StatusQueued)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailRecordsReasonAndRetryClearsIt(t *testing.T) {
	tk := New("http://example.com/f", "f", "/tmp/f")
	require.NoError(t, tk.SetStatus(StatusDownloading))
	require.NoError(t, tk.Fail(errors.New("connection reset")))

	assert.Equal(t, StatusFailed, tk.Status())
	assert.Equal(t, "connection reset", tk.Err())

	require.NoError(t, tk.SetStatus(StatusQueued))
	assert.Empty(t, tk.Err())
}

func TestSetTotalSizeImmutableOnceKnown(t *testing.T) {
	tk := New("http://example.com/f", "f", "/tmp/f")
	require.NoError(t, tk.SetTotalSize(100))
	require.NoError(t, tk.SetTotalSize(100))
	assert.Error(t, tk.SetTotalSize(200))
	assert.Error(t, tk.SetTotalSize(-1))
	assert.Equal(t, int64(100), tk.TotalSize())
}

func twoChunkTask(t *testing.T) *Task {
	t.Helper()
	tk := New("http://example.com/f", "f", "/tmp/f")
	require.NoError(t, tk.SetTotalSize(100))
	require.NoError(t, tk.SetPlan([]Chunk{
		{Index: 0, Start: 0, End: 50, State: ChunkPending},
		{Index: 1, Start: 50, End: 100, State: ChunkPending},
	}, PlanInputs{SupportsRange: true, ChunkNumber: 2}))
	return tk
}

func TestChunkLifecycle(t *testing.T) {
	tk := twoChunkTask(t)

	require.NoError(t, tk.StartChunk(0))
	assert.Error(t, tk.StartChunk(0), "active chunk must not be claimable twice")

	require.NoError(t, tk.AddChunkProgress(0, 30))
	assert.Error(t, tk.AddChunkProgress(0, 21), "progress past chunk length must be rejected")
	assert.Error(t, tk.FinishChunk(0), "incomplete chunk must not finish")

	require.NoError(t, tk.AddChunkProgress(0, 20))
	require.NoError(t, tk.FinishChunk(0))
	assert.Equal(t, ChunkDone, tk.Chunks()[0].State)

	require.NoError(t, tk.StartChunk(1))
	require.NoError(t, tk.AddChunkProgress(1, 10))
	require.NoError(t, tk.ReleaseChunk(1))
	chunk := tk.Chunks()[1]
	assert.Equal(t, ChunkPending, chunk.State)
	assert.Equal(t, int64(10), chunk.Downloaded, "release keeps progress")
}

func TestDownloadedIsAlwaysChunkSum(t *testing.T) {
	tk := twoChunkTask(t)
	assert.Equal(t, int64(0), tk.Downloaded())

	require.NoError(t, tk.StartChunk(0))
	require.NoError(t, tk.StartChunk(1))
	require.NoError(t, tk.AddChunkProgress(0, 25))
	require.NoError(t, tk.AddChunkProgress(1, 17))

	assert.Equal(t, int64(42), tk.Downloaded())
	assert.InDelta(t, 42.0, tk.Progress(), 0.001)
}

func TestResetFailedChunksLeavesDoneAlone(t *testing.T) {
	tk := twoChunkTask(t)

	require.NoError(t, tk.StartChunk(0))
	require.NoError(t, tk.AddChunkProgress(0, 50))
	require.NoError(t, tk.FinishChunk(0))

	require.NoError(t, tk.StartChunk(1))
	require.NoError(t, tk.AddChunkProgress(1, 20))
	require.NoError(t, tk.FailChunk(1))

	assert.Equal(t, 1, tk.ResetFailedChunks())

	chunks := tk.Chunks()
	assert.Equal(t, ChunkDone, chunks[0].State)
	assert.Equal(t, ChunkPending, chunks[1].State)
	assert.Equal(t, int64(20), chunks[1].Downloaded, "failed chunk resumes from its offset")
}

func TestRewindChunkDropsProgress(t *testing.T) {
	tk := twoChunkTask(t)

	require.NoError(t, tk.StartChunk(0))
	require.NoError(t, tk.AddChunkProgress(0, 30))
	require.NoError(t, tk.RewindChunk(0))

	chunk := tk.Chunks()[0]
	assert.Equal(t, ChunkActive, chunk.State)
	assert.EqualValues(t, 0, chunk.Downloaded)

	assert.Error(t, tk.RewindChunk(1), "only active chunks can rewind")
}

func TestResetProgressClearsEverything(t *testing.T) {
	tk := twoChunkTask(t)

	require.NoError(t, tk.StartChunk(0))
	require.NoError(t, tk.AddChunkProgress(0, 50))
	require.NoError(t, tk.FinishChunk(0))
	require.NoError(t, tk.StartChunk(1))
	require.NoError(t, tk.AddChunkProgress(1, 10))

	tk.ResetProgress()

	for _, chunk := range tk.Chunks() {
		assert.Equal(t, ChunkPending, chunk.State)
		assert.EqualValues(t, 0, chunk.Downloaded)
	}
	assert.EqualValues(t, 0, tk.Downloaded())
}

func TestSetPlanLockedAfterProgress(t *testing.T) {
	tk := twoChunkTask(t)
	require.NoError(t, tk.StartChunk(0))
	require.NoError(t, tk.AddChunkProgress(0, 1))

	err := tk.SetPlan([]Chunk{{Index: 0, Start: 0, End: 100, State: ChunkPending}}, PlanInputs{})
	assert.Error(t, err)
}

func TestOpenEndedChunkClosesOnFinish(t *testing.T) {
	tk := New("http://example.com/stream", "stream", "/tmp/stream")
	require.NoError(t, tk.SetPlan([]Chunk{
		{Index: 0, Start: 0, End: OpenEnd, State: ChunkPending},
	}, PlanInputs{}))

	require.NoError(t, tk.StartChunk(0))
	require.NoError(t, tk.AddChunkProgress(0, 12345))
	require.NoError(t, tk.FinishChunk(0))

	chunk := tk.Chunks()[0]
	assert.Equal(t, int64(12345), chunk.End)
	assert.True(t, chunk.Complete())
	assert.Equal(t, int64(12345), tk.TotalSize())
}

func TestRecordRoundTrip(t *testing.T) {
	tk := twoChunkTask(t)
	tk.SetExtract(true)
	require.NoError(t, tk.SetStatus(StatusDownloading))
	require.NoError(t, tk.StartChunk(0))
	require.NoError(t, tk.AddChunkProgress(0, 30))
	require.NoError(t, tk.SetStatus(StatusPaused))

	restored, err := FromRecord(tk.Record())
	require.NoError(t, err)

	assert.Equal(t, tk.ID(), restored.ID())
	assert.Equal(t, tk.URL(), restored.URL())
	assert.Equal(t, StatusPaused, restored.Status())
	assert.True(t, restored.Extract())
	assert.Equal(t, int64(100), restored.TotalSize())
	assert.Equal(t, int64(30), restored.Downloaded())

	plan, ok := restored.Plan()
	require.True(t, ok)
	assert.Equal(t, 2, plan.ChunkNumber)
}

func TestFromRecordNormalizesInterruptedTransfer(t *testing.T) {
	record := Record{
		ID:        "t1",
		URL:       "http://example.com/f",
		Status:    StatusDownloading,
		TotalSize: 100,
		Chunks: []Chunk{
			{Index: 0, Start: 0, End: 50, Downloaded: 50, State: ChunkDone},
			{Index: 1, Start: 50, End: 100, Downloaded: 10, State: ChunkActive},
		},
	}

	restored, err := FromRecord(record)
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, restored.Status())
	chunks := restored.Chunks()
	assert.Equal(t, ChunkDone, chunks[0].State)
	assert.Equal(t, ChunkPending, chunks[1].State)
	assert.Equal(t, int64(10), chunks[1].Downloaded)
}

func TestFromRecordRejectsCorruptRecords(t *testing.T) {
	testCases := []struct {
		name   string
		record Record
	}{
		{"missing id", Record{URL: "http://example.com"}},
		{"missing url", Record{ID: "t1"}},
		{"unknown status", Record{ID: "t1", URL: "http://example.com", Status: "melting"}},
		{"inverted range", Record{ID: "t1", URL: "http://example.com", Status: StatusQueued,
			Chunks: []Chunk{{Index: 0, Start: 50, End: 10}}}},
		{"progress past range", Record{ID: "t1", URL: "http://example.com", Status: StatusQueued,
			Chunks: []Chunk{{Index: 0, Start: 0, End: 10, Downloaded: 11}}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromRecord(tc.record)
			assert.Error(t, err)
		})
	}
}

func TestSnapshot(t *testing.T) {
	tk := twoChunkTask(t)
	require.NoError(t, tk.StartChunk(0))
	require.NoError(t, tk.AddChunkProgress(0, 25))
	tk.SetSpeed(5)

	snap := tk.Snapshot()
	assert.Equal(t, tk.ID(), snap.ID)
	assert.Equal(t, int64(25), snap.Downloaded)
	assert.InDelta(t, 25.0, snap.Progress, 0.001)
	assert.Equal(t, int64(5), snap.SpeedBPS)
	assert.Equal(t, int64(15), snap.ETASeconds, "75 bytes left at 5 B/s")
}
