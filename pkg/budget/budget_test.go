package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimitedNeverBlocks(t *testing.T) {
	b := New(0)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Wait(context.Background(), 1<<20))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimitedWaitPacesReads(t *testing.T) {
	// 100 KB/s with a one second burst: the first read drains most of the
	// bucket, the second has to wait for the refill.
	b := New(100_000)

	require.NoError(t, b.Wait(context.Background(), 65536))

	start := time.Now()
	require.NoError(t, b.Wait(context.Background(), 65536))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestWaitHonorsCanceledContext(t *testing.T) {
	b := New(1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, b.Wait(ctx, 100))
}

func TestWaitRejectsReadsLargerThanBurst(t *testing.T) {
	b := New(1000)

	// Burst floors at 64 KiB, anything above can never be satisfied.
	assert.Error(t, b.Wait(context.Background(), minBurst+1))
}

func TestSetLimitZeroLiftsCap(t *testing.T) {
	b := New(1000)
	b.SetLimit(0)

	start := time.Now()
	require.NoError(t, b.Wait(context.Background(), 10<<20))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.EqualValues(t, 0, b.Limit())
}

func TestShareSplitsLimitAcrossStreams(t *testing.T) {
	b := New(1 << 20)

	assert.EqualValues(t, 1<<20, b.Share())

	b.Register()
	assert.EqualValues(t, 1<<20, b.Share())

	b.Register()
	assert.Equal(t, 2, b.Streams())
	assert.EqualValues(t, 512<<10, b.Share())

	b.Unregister()
	assert.EqualValues(t, 1<<20, b.Share())

	b.Unregister()
	b.Unregister() // spurious, must not go negative
	assert.Equal(t, 0, b.Streams())
}

func TestShareUnlimitedIsZero(t *testing.T) {
	b := New(0)
	b.Register()
	b.Register()
	assert.EqualValues(t, 0, b.Share())
}
