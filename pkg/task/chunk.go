package task

// OpenEnd marks a chunk whose end offset is unknown because the server did
// not report a content length. Such a chunk is closed by the transfer once
// the stream reaches EOF.
const OpenEnd int64 = -1

// ChunkState is the lifecycle state of a single chunk.
type ChunkState string

const (
	ChunkPending ChunkState = "pending"
	ChunkActive  ChunkState = "active"
	ChunkDone    ChunkState = "done"
	ChunkFailed  ChunkState = "failed"
)

// Chunk is one independently transferred byte range [Start, End) of a
// file. Downloaded counts contiguous bytes from Start that have been
// written, so Start+Downloaded is always the resume offset.
type Chunk struct {
	Index      int        `json:"index"`
	Start      int64      `json:"start"`
	End        int64      `json:"end"`
	Downloaded int64      `json:"downloaded"`
	State      ChunkState `json:"state"`
}

// Open reports whether the chunk has no known end offset.
func (c Chunk) Open() bool {
	return c.End == OpenEnd
}

// Len returns the chunk's range length, or -1 when the end is unknown.
func (c Chunk) Len() int64 {
	if c.Open() {
		return -1
	}
	return c.End - c.Start
}

// Remaining returns the bytes still to transfer, or -1 when unknown.
func (c Chunk) Remaining() int64 {
	if c.Open() {
		return -1
	}
	return c.Len() - c.Downloaded
}

// Complete reports whether every byte of a bounded chunk has been written.
func (c Chunk) Complete() bool {
	return !c.Open() && c.Downloaded == c.Len()
}
