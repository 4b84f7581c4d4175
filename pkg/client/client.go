package client

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/getsluice/sluice/pkg/logging"
	"github.com/getsluice/sluice/pkg/version"
)

const (
	retryMinWait     = 100 * time.Millisecond  // default request retry floor
	retryMaxWait     = 3000 * time.Millisecond // default request retry ceiling
	retrySleepJitter = 500                     // 0-500 additional milliseconds, multiplied by time.Millisecond in backoffFunc

	maxRedirects = 10
)

// Options carries everything needed to build a transfer client. The zero
// value is usable: environment proxy, default User-Agent, no extra headers.
type Options struct {
	UserAgent       string
	Proxy           string
	Headers         map[string]string
	ConnTimeout     time.Duration
	Timeout         time.Duration
	Retries         int
	RetryWaitMin    time.Duration
	RetryWaitMax    time.Duration
	MaxConnsPerHost int
}

// HTTPClient wraps http.Client so callers get the retrying, header-setting
// behavior without caring how it is assembled.
type HTTPClient struct {
	*http.Client
}

// New builds an HTTPClient that retries transient failures (connection
// errors, 5xx, 429) with jittered exponential backoff and passes other 4xx
// responses straight through.
func New(opts Options) (*HTTPClient, error) {
	proxyFunc := http.ProxyFromEnvironment
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", opts.Proxy, err)
		}
		proxyFunc = http.ProxyURL(proxyURL)
	}

	connTimeout := opts.ConnTimeout
	if connTimeout == 0 {
		connTimeout = 5 * time.Second
	}

	baseTransport := &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Ranged chunk reads must see raw bytes, offsets into a
		// transparently gunzipped stream would not line up.
		DisableCompression:    true,
		ResponseHeaderTimeout: opts.Timeout,
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = fmt.Sprintf("sluice/%s", version.GetVersion())
	}
	transport := &headerTransport{
		userAgent: userAgent,
		headers:   opts.Headers,
		transport: baseTransport,
	}

	retryWaitMin := opts.RetryWaitMin
	if retryWaitMin == 0 {
		retryWaitMin = retryMinWait
	}
	retryWaitMax := opts.RetryWaitMax
	if retryWaitMax == 0 {
		retryWaitMax = retryMaxWait
	}

	retryClient := &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport:     transport,
			CheckRedirect: checkRedirectFunc,
		},
		Logger:       nil,
		RetryWaitMin: retryWaitMin,
		RetryWaitMax: retryWaitMax,
		RetryMax:     opts.Retries,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      backoffFunc,
	}

	return &HTTPClient{Client: retryClient.StandardClient()}, nil
}

// headerTransport sets the User-Agent and any configured static headers on
// every outgoing request.
type headerTransport struct {
	userAgent string
	headers   map[string]string
	transport http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", t.userAgent)
	for key, value := range t.headers {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
	return t.transport.RoundTrip(req)
}

// backoffFunc is a wrapper around retryablehttp.DefaultBackoff that adds a
// random jitter to the backoff. The jitter avoids thundering herd issues
// when many chunk workers hit the same struggling server at once.
func backoffFunc(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	sleep := time.Duration(rand.Intn(retrySleepJitter)) * time.Millisecond
	sleep += retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
	return sleep
}

// checkRedirectFunc logs each redirect hop and gives up once the chain
// exceeds maxRedirects, which surfaces redirect loops as request errors.
func checkRedirectFunc(req *http.Request, via []*http.Request) error {
	logger := logging.GetLogger()
	logger.Trace().
		Str("redirect_url", req.URL.String()).
		Str("url", via[0].URL.String()).
		Int("status", req.Response.StatusCode).
		Msg("Redirect")
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return nil
}
