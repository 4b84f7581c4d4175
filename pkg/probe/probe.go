// Package probe determines what a URL's server will tolerate before any
// planning happens: range support, content length, a safe connection
// count, and whether the server throttles sustained transfers.
package probe

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	neturl "net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/getsluice/sluice/pkg/logging"
)

const (
	defaultMaxConnections = 16
	defaultLadderSample   = 1024
	defaultSpeedSample    = 256 * 1024
)

// Result describes one URL's server capabilities. It is ephemeral: the
// values that feed planning are captured into the task's PlanInputs, the
// rest is advisory.
type Result struct {
	FinalURL       string
	Filename       string
	Size           int64
	SupportsRange  bool
	MaxConnections int
	SpeedBPS       int64
	Throttled      bool
}

// Options tunes the probe. Zero values fall back to defaults, so the zero
// Options is usable.
type Options struct {
	// MaxConnections caps the connection ladder.
	MaxConnections int
	// Timeout bounds each individual probe request.
	Timeout time.Duration
	// LadderSample is the bytes requested per ladder connection.
	LadderSample int64
	// SpeedSample is the bytes read per speed measurement window.
	SpeedSample int64
	// MeasureSpeed enables the two-window speed sample.
	MeasureSpeed bool
}

type Prober struct {
	client *http.Client
	opts   Options
	logger zerolog.Logger
}

func New(httpClient *http.Client, opts Options) *Prober {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.LadderSample <= 0 {
		opts.LadderSample = defaultLadderSample
	}
	if opts.SpeedSample <= 0 {
		opts.SpeedSample = defaultSpeedSample
	}
	return &Prober{
		client: httpClient,
		opts:   opts,
		logger: logging.GetLogger().With().Str("component", "probe").Logger(),
	}
}

// Probe inspects url and never fails: any probing error degrades to the
// conservative single-connection, no-range result instead of surfacing.
// Callers that care about cancellation check ctx themselves afterwards.
func (p *Prober) Probe(ctx context.Context, url string) Result {
	result := p.Head(ctx, url)
	if !result.SupportsRange {
		return result
	}

	result.MaxConnections = p.connectionLadder(ctx, result.FinalURL, result.Size)
	if p.opts.MeasureSpeed {
		result.SpeedBPS, result.Throttled = p.speedSample(ctx, result.FinalURL, result.Size)
	}

	p.logger.Debug().
		Str("url", url).
		Int64("size", result.Size).
		Bool("supports_range", result.SupportsRange).
		Int("max_connections", result.MaxConnections).
		Int64("speed_bps", result.SpeedBPS).
		Bool("throttled", result.Throttled).
		Msg("Probe complete")
	return result
}

// Head performs only the lightweight capability check: final URL after
// redirects, range support, size and filename. Used on its own to
// revalidate a restored task without paying for the full probe.
func (p *Prober) Head(ctx context.Context, url string) Result {
	conservative := Result{FinalURL: url, MaxConnections: 1, Filename: filenameFromURL(url)}

	reqCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	resp, err := p.do(reqCtx, http.MethodHead, url, "")
	if err != nil || resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		if resp != nil {
			resp.Body.Close()
		}
		// Some servers reject HEAD outright. A two-byte ranged GET
		// answers the same questions.
		return p.headViaGet(ctx, url, conservative)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn().Str("url", url).Int("status", resp.StatusCode).Msg("Probe degraded to conservative defaults")
		return conservative
	}

	result := conservative
	result.FinalURL = resp.Request.URL.String()
	result.SupportsRange = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	if resp.ContentLength > 0 {
		result.Size = resp.ContentLength
	}
	result.Filename = filenameFromResponse(resp)
	return result
}

// headViaGet is the HEAD fallback: a ranged GET for the first two bytes.
// A 206 answer proves range support and carries the total size in
// Content-Range, a 200 answer disproves it.
func (p *Prober) headViaGet(ctx context.Context, url string, conservative Result) Result {
	reqCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	resp, err := p.do(reqCtx, http.MethodGet, url, "bytes=0-1")
	if err != nil {
		p.logger.Warn().Str("url", url).Err(err).Msg("Probe degraded to conservative defaults")
		return conservative
	}
	defer drainAndClose(resp)

	result := conservative
	result.FinalURL = resp.Request.URL.String()
	result.Filename = filenameFromResponse(resp)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.SupportsRange = true
		if total := parseContentRangeTotal(resp.Header.Get("Content-Range")); total > 0 {
			result.Size = total
		}
	case http.StatusOK:
		if resp.ContentLength > 0 {
			result.Size = resp.ContentLength
		}
	default:
		p.logger.Warn().Str("url", url).Int("status", resp.StatusCode).Msg("Probe degraded to conservative defaults")
	}
	return result
}

// withTimeout derives the per-request context. Callers always defer the
// cancel so abandoned probe connections are torn down promptly.
func (p *Prober) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.Timeout > 0 {
		return context.WithTimeout(ctx, p.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (p *Prober) do(ctx context.Context, method, url, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request for %s: %w", method, url, err)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return p.client.Do(req)
}

// parseContentRangeTotal extracts the total size from a header shaped like
// "bytes 0-1/12345". Unknown totals ("bytes 0-1/*") yield 0.
func parseContentRangeTotal(value string) int64 {
	var start, end, total int64
	if _, err := fmt.Sscanf(value, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		return 0
	}
	return total
}

func filenameFromResponse(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := path.Base(strings.ReplaceAll(params["filename"], "\\", "/")); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	return filenameFromURL(resp.Request.URL.String())
}

func filenameFromURL(rawURL string) string {
	if u, err := neturl.Parse(rawURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
			if unescaped, err := neturl.PathUnescape(name); err == nil {
				name = unescaped
			}
			return name
		}
	}
	return fmt.Sprintf("download_%d", time.Now().Unix())
}
