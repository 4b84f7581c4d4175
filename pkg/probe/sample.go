package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// connectionLadder finds the largest parallel connection count the server
// answers cleanly, doubling from 1 up to the configured ceiling. The first
// level with any failure ends the climb and the previous level wins.
func (p *Prober) connectionLadder(ctx context.Context, url string, size int64) int {
	best := 1
	for n := 2; n <= p.opts.MaxConnections; n *= 2 {
		if size > 0 && int64(n)*p.opts.LadderSample > size {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if !p.tryConnections(ctx, url, n) {
			break
		}
		best = n
	}
	return best
}

// tryConnections issues n parallel small range requests at distinct
// offsets and reports whether every one of them succeeded.
func (p *Prober) tryConnections(ctx context.Context, url string, n int) bool {
	reqCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(reqCtx)
	for i := 0; i < n; i++ {
		offset := int64(i) * p.opts.LadderSample
		group.Go(func() error {
			rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+p.opts.LadderSample-1)
			resp, err := p.do(groupCtx, http.MethodGet, url, rangeHeader)
			if err != nil {
				return err
			}
			defer drainAndClose(resp)
			if resp.StatusCode != http.StatusPartialContent {
				return fmt.Errorf("expected 206 for ranged request, got %d", resp.StatusCode)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		p.logger.Debug().Str("url", url).Int("connections", n).Err(err).Msg("Connection ladder stopped")
		return false
	}
	return true
}

// speedSample reads two consecutive windows single-threaded and compares
// them. A second window at less than half the first flags throttling.
func (p *Prober) speedSample(ctx context.Context, url string, size int64) (int64, bool) {
	sample := p.opts.SpeedSample
	if size > 0 && sample*2 > size {
		// Not enough bytes for two windows, skip rather than mismeasure.
		return 0, false
	}
	first := p.timedRead(ctx, url, 0, sample)
	second := p.timedRead(ctx, url, sample, sample)
	if first <= 0 || second <= 0 {
		return 0, false
	}
	return (first + second) / 2, second*2 < first
}

// timedRead downloads [offset, offset+length) and returns the observed
// bytes per second, or 0 on any failure.
func (p *Prober) timedRead(ctx context.Context, url string, offset, length int64) int64 {
	reqCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := p.do(reqCtx, http.MethodGet, url, fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0
	}
	read, err := io.Copy(io.Discard, resp.Body)
	if err != nil || read == 0 {
		return 0
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(read) / elapsed.Seconds())
}

// drainAndClose discards any unread body so the connection can be reused.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
