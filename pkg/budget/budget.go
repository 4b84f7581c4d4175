// Package budget enforces the engine-wide download speed limit. Every
// chunk stream of every task draws from the same token bucket, and reads
// are small enough that no stream can monopolize it.
package budget

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// minBurst keeps the bucket usable at very low limits. It must stay at
// least as large as the biggest single read a transfer performs.
const minBurst = 64 * 1024

// Budget is a shared bytes-per-second allowance. A limit of 0 means
// unlimited. Safe for concurrent use.
type Budget struct {
	limiter *rate.Limiter

	mu      sync.Mutex
	limit   int64
	streams int
}

func New(bytesPerSec int64) *Budget {
	b := &Budget{limiter: rate.NewLimiter(rate.Inf, 0)}
	b.SetLimit(bytesPerSec)
	return b
}

// SetLimit replaces the global allowance. Streams already waiting pick up
// the new rate, nothing restarts.
func (b *Budget) SetLimit(bytesPerSec int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = bytesPerSec
	if bytesPerSec <= 0 {
		b.limiter.SetLimit(rate.Inf)
		b.limiter.SetBurst(0)
		return
	}
	burst := int(bytesPerSec)
	if burst < minBurst {
		burst = minBurst
	}
	// Burst before limit: a finite limit must never meet a zero burst.
	b.limiter.SetBurst(burst)
	b.limiter.SetLimit(rate.Limit(bytesPerSec))
}

// Limit returns the configured allowance, 0 for unlimited.
func (b *Budget) Limit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

// Wait blocks until n bytes may pass or ctx is done.
func (b *Budget) Wait(ctx context.Context, n int) error {
	return b.limiter.WaitN(ctx, n)
}

// Register notes a chunk stream becoming active.
func (b *Budget) Register() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams++
}

// Unregister notes a chunk stream going away.
func (b *Budget) Unregister() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams > 0 {
		b.streams--
	}
}

// Streams returns the number of currently registered chunk streams.
func (b *Budget) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams
}

// Share returns the fair per-stream slice of the limit for the current
// stream count. Advisory: enforcement happens through the shared bucket,
// this is what snapshots and logs report.
func (b *Budget) Share() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 || b.streams <= 1 {
		return b.limit
	}
	return b.limit / int64(b.streams)
}
