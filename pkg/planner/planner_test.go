package planner

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getsluice/sluice/pkg/config"
	"github.com/getsluice/sluice/pkg/probe"
	"github.com/getsluice/sluice/pkg/task"
)

// assertPartition checks the layout invariant: chunks cover
// [0, totalSize) contiguously with no gap and no overlap.
func assertPartition(t *testing.T, chunks []task.Chunk, totalSize int64) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.Equal(t, int64(0), chunks[0].Start)
	for i := 0; i < len(chunks)-1; i++ {
		assert.Equal(t, chunks[i].End, chunks[i+1].Start, "chunk %d and %d must touch", i, i+1)
		assert.Greater(t, chunks[i].Len(), int64(0), "chunk %d must not be empty", i)
	}
	last := chunks[len(chunks)-1]
	assert.Equal(t, totalSize, last.End)
	assert.Greater(t, last.Len(), int64(0))
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, task.ChunkPending, c.State)
		assert.Equal(t, int64(0), c.Downloaded)
	}
}

func splitInputs(chunkSize int64, chunkNumber int, minSplit int64) task.PlanInputs {
	return task.PlanInputs{
		SupportsRange: true,
		ChunkSize:     chunkSize,
		ChunkNumber:   chunkNumber,
		MinSplitSize:  minSplit,
	}
}

func TestPlanPartitionsExactly(t *testing.T) {
	sizes := []int64{1, 2, 1023, 1024, 1025, 10 << 20, (10 << 20) + 1, 100 << 20, (100 << 20) + 7919}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("size %d", size), func(t *testing.T) {
			chunks := Plan(size, splitInputs(1<<20, 4, 1))
			assertPartition(t, chunks, size)
		})
	}
}

func TestPlanPartitionsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		size := 1 + rng.Int63n(5<<30)
		inputs := splitInputs(1+rng.Int63n(64<<20), 1+rng.Intn(32), rng.Int63n(20<<20))
		chunks := Plan(size, inputs)
		if size < inputs.MinSplitSize {
			require.Len(t, chunks, 1)
		}
		assertPartition(t, chunks, size)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	inputs := splitInputs(8<<20, 6, 10<<20)
	first := Plan(333<<20, inputs)
	second := Plan(333<<20, inputs)
	assert.True(t, reflect.DeepEqual(first, second))
}

func TestPlanSplitsLargeFileIntoDefaultChunks(t *testing.T) {
	// 100MB with a 4-chunk default and 10MB minimum split: four ~25MB ranges.
	total := int64(100 << 20)
	chunks := Plan(total, splitInputs(1<<20, 4, 10<<20))

	require.Len(t, chunks, 4)
	assertPartition(t, chunks, total)
	for _, c := range chunks {
		assert.Equal(t, int64(25<<20), c.Len())
	}
}

func TestPlanWithoutRangeSupportIsSingleChunk(t *testing.T) {
	total := int64(100 << 20)
	inputs := splitInputs(1<<20, 4, 10<<20)
	inputs.SupportsRange = false

	chunks := Plan(total, inputs)

	require.Len(t, chunks, 1)
	assert.Equal(t, int64(0), chunks[0].Start)
	assert.Equal(t, total, chunks[0].End)
}

func TestPlanSmallFileIsSingleChunk(t *testing.T) {
	chunks := Plan(int64(5<<20), splitInputs(1<<20, 4, 10<<20))
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(5<<20), chunks[0].End)
}

func TestPlanUnknownSizeIsOpenEnded(t *testing.T) {
	chunks := Plan(0, splitInputs(1<<20, 4, 10<<20))
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Open())
	assert.Equal(t, int64(0), chunks[0].Start)
}

func TestPlanHonorsProbeConnectionLimit(t *testing.T) {
	inputs := splitInputs(1<<20, 8, 1)
	inputs.MaxConnections = 2

	chunks := Plan(int64(64<<20), inputs)
	assert.Len(t, chunks, 2)
}

func TestPlanRemainderGoesToLastChunk(t *testing.T) {
	chunks := Plan(101, splitInputs(10, 4, 1))

	require.Len(t, chunks, 4)
	assert.Equal(t, int64(25), chunks[0].Len())
	assert.Equal(t, int64(25), chunks[1].Len())
	assert.Equal(t, int64(25), chunks[2].Len())
	assert.Equal(t, int64(26), chunks[3].Len())
	assertPartition(t, chunks, 101)
}

func TestPlanChunkSizeBoundsCount(t *testing.T) {
	// 25 bytes at a 10-byte chunk size never needs more than 3 connections.
	chunks := Plan(25, splitInputs(10, 8, 1))
	assert.Len(t, chunks, 3)
	assertPartition(t, chunks, 25)
}

func TestChunkCountFloorsAtOne(t *testing.T) {
	inputs := splitInputs(1<<20, 0, 1)
	assert.Equal(t, 1, chunkCount(10<<20, inputs))
}

func TestInputsCapturesProbeAndConfig(t *testing.T) {
	result := probe.Result{SupportsRange: true, MaxConnections: 6}
	cfg := config.Settings{ChunkSize: 2 << 20, ChunkNumber: 5, MinSplitSize: 9 << 20}

	inputs := Inputs(result, cfg)

	assert.True(t, inputs.SupportsRange)
	assert.Equal(t, 6, inputs.MaxConnections)
	assert.Equal(t, int64(2<<20), inputs.ChunkSize)
	assert.Equal(t, 5, inputs.ChunkNumber)
	assert.Equal(t, int64(9<<20), inputs.MinSplitSize)
}
