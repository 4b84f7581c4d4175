// Package planner turns (file size, probe result, configuration) into a
// deterministic chunk layout. The same inputs always produce the same
// boundaries, which is what lets a resumed task trust its persisted plan.
package planner

import (
	"github.com/getsluice/sluice/pkg/config"
	"github.com/getsluice/sluice/pkg/probe"
	"github.com/getsluice/sluice/pkg/task"
)

// Inputs captures the planning-relevant values of a probe result and the
// configuration in force. The result is persisted with the task.
func Inputs(p probe.Result, cfg config.Settings) task.PlanInputs {
	return task.PlanInputs{
		SupportsRange:  p.SupportsRange,
		MaxConnections: p.MaxConnections,
		ChunkSize:      cfg.ChunkSize,
		ChunkNumber:    cfg.ChunkNumber,
		MinSplitSize:   cfg.MinSplitSize,
	}
}

// Plan derives the chunk layout for a file of totalSize bytes. A file with
// unknown size, without range support, or too small to be worth splitting
// becomes a single chunk. Everything else is split into contiguous equal
// ranges with the division remainder folded into the last chunk.
func Plan(totalSize int64, in task.PlanInputs) []task.Chunk {
	if totalSize <= 0 {
		return []task.Chunk{{Index: 0, Start: 0, End: task.OpenEnd, State: task.ChunkPending}}
	}
	if !in.SupportsRange || totalSize < in.MinSplitSize {
		return []task.Chunk{{Index: 0, Start: 0, End: totalSize, State: task.ChunkPending}}
	}

	count := chunkCount(totalSize, in)
	chunkSize := totalSize / int64(count)

	chunks := make([]task.Chunk, count)
	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if i == count-1 {
			end = totalSize
		}
		chunks[i] = task.Chunk{Index: i, Start: start, End: end, State: task.ChunkPending}
	}
	return chunks
}

// chunkCount bounds the split by the configured chunk number, by what the
// probe says the server tolerates, and by one connection per chunk size.
func chunkCount(totalSize int64, in task.PlanInputs) int {
	limit := in.ChunkNumber
	if in.MaxConnections > 0 && in.MaxConnections < limit {
		limit = in.MaxConnections
	}
	if limit < 1 {
		limit = 1
	}

	count := limit
	if in.ChunkSize > 0 {
		perSize := (totalSize + in.ChunkSize - 1) / in.ChunkSize
		if perSize < int64(count) {
			count = int(perSize)
		}
	}
	if count < 1 {
		count = 1
	}
	return count
}
