package lib

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultRatePerSecond defines the default request rate per second when creating a new Fetcher.
const DefaultRatePerSecond = 2

// DefaultMaxRetries is how many times a transient failure is retried before giving up.
// Zero reports the first failure as is.
const DefaultMaxRetries = 0

// DefaultUserAgent is the static identifying header sent to the proxy.
const DefaultUserAgent = "prompt-gallery-fetch/1.0 (+https://github.com/)"

// defaultRetryAfter specifies the default value for Retry-After header in case of too many requests.
const defaultRetryAfter = 60

// defaultMaxElapsedTime specifies the default maximum elapsed time for the exponential backoff.
const defaultMaxElapsedTime = 2 * time.Minute

// defaultMaxInterval defines the default maximum interval for the exponential backoff.
const defaultMaxInterval = 30 * time.Second

// defaultTimeout bounds a single request to the proxy. Zero means no timeout.
const defaultTimeout = 0

// defaultMaxWorkers bounds the number of concurrent fetches in FetchURLs.
const defaultMaxWorkers = 4

// Fetcher represents a URL fetcher with rate limiting and retry mechanisms.
type Fetcher struct {
	Client      *http.Client
	RateLimiter *rate.Limiter
	BackoffCfg  backoff.BackOff
	MaxRetries  int
	MaxWorkers  int
	UserAgent   string
	Header      http.Header
}

// FetchResult represents the result of a URL fetch operation.
type FetchResult struct {
	Url   string
	Body  io.ReadCloser
	Error error
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithRatePerSecond sets the number of requests allowed per second.
func WithRatePerSecond(r int) FetcherOption {
	return func(f *Fetcher) {
		if r > 0 {
			f.RateLimiter.SetLimit(rate.Limit(r))
		}
	}
}

// WithBurst sets the rate limiter burst size.
func WithBurst(b int) FetcherOption {
	return func(f *Fetcher) {
		if b > 0 {
			f.RateLimiter.SetBurst(b)
		}
	}
}

// WithProxyURL routes every request through an HTTP proxy.
func WithProxyURL(proxyURL *url.URL) FetcherOption {
	return func(f *Fetcher) {
		if proxyURL != nil {
			f.Client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
}

// WithBackOffConfig replaces the exponential backoff used between retries.
// The given BackOff is shared by every call, so it should be stateless
// (e.g. backoff.StopBackOff or backoff.ConstantBackOff) when fetching concurrently.
func WithBackOffConfig(b backoff.BackOff) FetcherOption {
	return func(f *Fetcher) {
		f.BackoffCfg = b
	}
}

// WithMaxRetries sets how many times a transient failure is retried. Zero disables retries.
func WithMaxRetries(n int) FetcherOption {
	return func(f *Fetcher) {
		if n >= 0 {
			f.MaxRetries = n
		}
	}
}

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.Client.Timeout = d
	}
}

// WithMaxWorkers sets the maximum number of concurrent fetches in FetchURLs.
func WithMaxWorkers(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.MaxWorkers = n
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua != "" {
			f.UserAgent = ua
		}
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) FetcherOption {
	return func(f *Fetcher) {
		f.Header.Set(key, value)
	}
}

// NewFetcher creates a new Fetcher configured by opts.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		Client:      &http.Client{Timeout: defaultTimeout},
		RateLimiter: rate.NewLimiter(rate.Limit(DefaultRatePerSecond), 1),
		MaxRetries:  DefaultMaxRetries,
		MaxWorkers:  defaultMaxWorkers,
		UserAgent:   DefaultUserAgent,
		Header:      make(http.Header),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchURLs concurrently fetches the specified URLs and returns a channel to receive the FetchResults.
// The returned channel will be closed once all fetch operations are completed.
func (f *Fetcher) FetchURLs(ctx context.Context, urls []string) <-chan FetchResult {
	results := make(chan FetchResult, len(urls))

	go func() {
		var eg errgroup.Group
		eg.SetLimit(f.MaxWorkers)
		for _, u := range urls {
			u := u
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					results <- FetchResult{Url: u, Error: err}
					return nil
				}
				body, err := f.FetchURL(ctx, u)
				results <- FetchResult{Url: u, Body: body, Error: err}
				return nil
			})
		}
		eg.Wait()
		close(results)
	}()

	return results
}

// FetchURL fetches the specified URL and returns the response body.
// Transport errors, 429 and 5xx responses are retried up to MaxRetries times;
// any other non-2xx response is returned immediately as a *FetchError.
func (f *Fetcher) FetchURL(ctx context.Context, u string) (io.ReadCloser, error) {
	var body io.ReadCloser
	var nextRetryWait time.Duration

	operation := func() error {
		if nextRetryWait > 0 {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(nextRetryWait):
			}
			nextRetryWait = 0
		}
		if err := f.RateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		body, err = f.fetch(ctx, u)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && !fetchErr.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, d time.Duration) {
		zap.L().Debug("retrying fetch", zap.String("url", u), zap.Duration("backoff", d), zap.Error(err))
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.TooManyRequests {
			nextRetryWait = time.Duration(fetchErr.RetryAfter) * time.Second
		}
	}

	err := backoff.RetryNotify(operation, f.retryPolicy(ctx), notify)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// retryPolicy builds the backoff for a single FetchURL call.
func (f *Fetcher) retryPolicy(ctx context.Context) backoff.BackOff {
	b := f.BackoffCfg
	if b == nil {
		b = makeDefaultBackoff()
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.MaxRetries)), ctx)
}

// fetch performs the actual HTTP GET request to the specified URL and returns the response body and any encountered error.
func (f *Fetcher) fetch(ctx context.Context, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for key, values := range f.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("User-Agent", f.UserAgent)

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode == http.StatusTooManyRequests {
		res.Body.Close()
		retryAfter := defaultRetryAfter
		if retryAfterStr := res.Header.Get("Retry-After"); retryAfterStr != "" {
			if v, convErr := strconv.Atoi(retryAfterStr); convErr == nil {
				retryAfter = v
			}
		}
		return nil, &FetchError{
			StatusCode:      res.StatusCode,
			Status:          res.Status,
			TooManyRequests: true,
			RetryAfter:      retryAfter,
		}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		return nil, &FetchError{StatusCode: res.StatusCode, Status: res.Status}
	}

	return res.Body, nil
}

// makeDefaultBackoff creates and returns the default exponential backoff configuration.
func makeDefaultBackoff() backoff.BackOff {
	backOffCfg := backoff.NewExponentialBackOff()
	backOffCfg.MaxElapsedTime = defaultMaxElapsedTime
	backOffCfg.MaxInterval = defaultMaxInterval
	backOffCfg.Multiplier = 2.0

	return backOffCfg
}
