package lib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// noWait retries immediately, keeping retry tests fast.
func noWait() FetcherOption {
	return WithBackOffConfig(&backoff.ZeroBackOff{})
}

// TestNewFetcher tests the creation of a new fetcher with various options
func TestNewFetcher(t *testing.T) {
	t.Run("DefaultOptions", func(t *testing.T) {
		f := NewFetcher()
		assert.NotNil(t, f.Client)
		assert.NotNil(t, f.RateLimiter)
		assert.Nil(t, f.BackoffCfg)
		assert.Equal(t, rate.Limit(DefaultRatePerSecond), f.RateLimiter.Limit())
		assert.Equal(t, DefaultMaxRetries, f.MaxRetries)
		assert.Equal(t, defaultMaxWorkers, f.MaxWorkers)
		assert.Equal(t, DefaultUserAgent, f.UserAgent)
		assert.Zero(t, f.MaxRetries)
		assert.Zero(t, f.Client.Timeout)
	})

	t.Run("CustomOptions", func(t *testing.T) {
		proxyURL, _ := url.Parse("http://proxy.example.com")
		customBackoff := backoff.NewConstantBackOff(time.Second)

		f := NewFetcher(
			WithRatePerSecond(5),
			WithBurst(10),
			WithProxyURL(proxyURL),
			WithBackOffConfig(customBackoff),
			WithMaxRetries(0),
			WithTimeout(time.Minute),
			WithMaxWorkers(20),
			WithUserAgent("custom/1.0"),
			WithHeader("Authorization", "Bearer secret"),
		)

		assert.Equal(t, rate.Limit(5), f.RateLimiter.Limit())
		assert.Equal(t, 10, f.RateLimiter.Burst())
		assert.Equal(t, customBackoff, f.BackoffCfg)
		assert.Equal(t, 0, f.MaxRetries)
		assert.Equal(t, 20, f.MaxWorkers)
		assert.Equal(t, time.Minute, f.Client.Timeout)
		assert.Equal(t, "custom/1.0", f.UserAgent)
		assert.Equal(t, "Bearer secret", f.Header.Get("Authorization"))
		transport, ok := f.Client.Transport.(*http.Transport)
		require.True(t, ok)
		assert.NotNil(t, transport.Proxy)
	})

	t.Run("InvalidValuesIgnored", func(t *testing.T) {
		f := NewFetcher(WithRatePerSecond(0), WithMaxWorkers(-1), WithMaxRetries(-3), WithUserAgent(""))
		assert.Equal(t, rate.Limit(DefaultRatePerSecond), f.RateLimiter.Limit())
		assert.Equal(t, defaultMaxWorkers, f.MaxWorkers)
		assert.Equal(t, DefaultMaxRetries, f.MaxRetries)
		assert.Equal(t, DefaultUserAgent, f.UserAgent)
	})
}

// TestFetchURL tests the FetchURL method
func TestFetchURL(t *testing.T) {
	t.Run("SuccessfulFetch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("response body"))
		}))
		defer server.Close()

		f := NewFetcher(WithHeader("Authorization", "Bearer secret"))
		body, err := f.FetchURL(context.Background(), server.URL)

		require.NoError(t, err)
		require.NotNil(t, body)
		defer body.Close()

		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "response body", string(data))
	})

	t.Run("ClientErrorIsNotRetried", func(t *testing.T) {
		var requests int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		f := NewFetcher(noWait(), WithRatePerSecond(100))
		body, err := f.FetchURL(context.Background(), server.URL)

		assert.Nil(t, body)
		var fetchErr *FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
		assert.False(t, fetchErr.TooManyRequests)
		assert.Contains(t, err.Error(), "404")
		assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	})

	t.Run("DefaultFetcherDoesNotRetry", func(t *testing.T) {
		var requests int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		start := time.Now()
		body, err := NewFetcher().FetchURL(context.Background(), server.URL)

		assert.Nil(t, body)
		var fetchErr *FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.Equal(t, http.StatusBadGateway, fetchErr.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("DefaultFetcherReportsTooManyRequestsAtOnce", func(t *testing.T) {
		var requests int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := NewFetcher().FetchURL(ctx, server.URL)

		var fetchErr *FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.True(t, fetchErr.TooManyRequests)
		assert.Equal(t, defaultRetryAfter, fetchErr.RetryAfter)
		assert.NoError(t, ctx.Err())
		assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	})

	t.Run("ServerErrorIsRetried", func(t *testing.T) {
		var requests int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&requests, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte("recovered"))
		}))
		defer server.Close()

		f := NewFetcher(noWait(), WithRatePerSecond(100), WithBurst(10), WithMaxRetries(2))
		body, err := f.FetchURL(context.Background(), server.URL)

		require.NoError(t, err)
		defer body.Close()
		data, _ := io.ReadAll(body)
		assert.Equal(t, "recovered", string(data))
		assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
	})

	t.Run("RetriesExhausted", func(t *testing.T) {
		var requests int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		f := NewFetcher(noWait(), WithRatePerSecond(100), WithBurst(10), WithMaxRetries(1))
		body, err := f.FetchURL(context.Background(), server.URL)

		assert.Nil(t, body)
		var fetchErr *FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)
		assert.Contains(t, err.Error(), "500")
		assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	})

	t.Run("TooManyRequests", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		f := NewFetcher(WithMaxRetries(0))
		body, err := f.FetchURL(context.Background(), server.URL)

		assert.Nil(t, body)
		var fetchErr *FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.True(t, fetchErr.TooManyRequests)
		assert.Equal(t, 2, fetchErr.RetryAfter)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		f := NewFetcher()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		body, err := f.FetchURL(ctx, server.URL)

		assert.Error(t, err)
		assert.Nil(t, body)
		assert.Contains(t, err.Error(), "context")
	})
}

// TestFetchURLs tests the FetchURLs method
func TestFetchURLs(t *testing.T) {
	t.Run("MultipleFetches", func(t *testing.T) {
		var requestCount int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "response for %s", r.URL.Path)
		}))
		defer server.Close()

		numURLs := 10
		urls := make([]string, numURLs)
		for i := 0; i < numURLs; i++ {
			urls[i] = fmt.Sprintf("%s/%d", server.URL, i)
		}

		f := NewFetcher(WithRatePerSecond(100), WithBurst(10))
		results := make(map[string]string)
		for result := range f.FetchURLs(context.Background(), urls) {
			assert.NoError(t, result.Error)
			if result.Body != nil {
				data, err := io.ReadAll(result.Body)
				result.Body.Close()
				assert.NoError(t, err)
				results[result.Url] = string(data)
			}
		}

		assert.Equal(t, numURLs, len(results))
		assert.Equal(t, int32(numURLs), atomic.LoadInt32(&requestCount))
		for i := 0; i < numURLs; i++ {
			u := fmt.Sprintf("%s/%d", server.URL, i)
			assert.Equal(t, fmt.Sprintf("response for /%d", i), results[u])
		}
	})

	t.Run("ConcurrencyLimit", func(t *testing.T) {
		var mu sync.Mutex
		var currentConcurrent, maxConcurrent int

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			currentConcurrent++
			if currentConcurrent > maxConcurrent {
				maxConcurrent = currentConcurrent
			}
			mu.Unlock()

			time.Sleep(100 * time.Millisecond)

			mu.Lock()
			currentConcurrent--
			mu.Unlock()

			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		numURLs := 20
		urls := make([]string, numURLs)
		for i := 0; i < numURLs; i++ {
			urls[i] = server.URL
		}

		maxWorkers := 3
		f := NewFetcher(WithRatePerSecond(100), WithBurst(100), WithMaxWorkers(maxWorkers))
		for result := range f.FetchURLs(context.Background(), urls) {
			if result.Body != nil {
				result.Body.Close()
			}
		}

		assert.LessOrEqual(t, maxConcurrent, maxWorkers)
		assert.GreaterOrEqual(t, maxConcurrent, 1)
	})

	t.Run("MixedResponses", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/success":
				w.Write([]byte("success"))
			case "/error":
				w.WriteHeader(http.StatusInternalServerError)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer server.Close()

		urls := []string{server.URL + "/success", server.URL + "/error", server.URL + "/notfound"}
		f := NewFetcher(noWait(), WithRatePerSecond(100), WithBurst(10), WithMaxRetries(1))

		errs := make(map[string]error)
		for result := range f.FetchURLs(context.Background(), urls) {
			errs[result.Url] = result.Error
			if result.Body != nil {
				result.Body.Close()
			}
		}

		require.Len(t, errs, 3)
		assert.NoError(t, errs[server.URL+"/success"])
		assert.ErrorContains(t, errs[server.URL+"/error"], "500")
		assert.ErrorContains(t, errs[server.URL+"/notfound"], "404")
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		f := NewFetcher()
		var count int
		for result := range f.FetchURLs(ctx, []string{"http://127.0.0.1:1/a", "http://127.0.0.1:1/b"}) {
			assert.Error(t, result.Error)
			count++
		}
		assert.Equal(t, 2, count)
	})
}

func TestFetchErrorMessage(t *testing.T) {
	err := &FetchError{StatusCode: http.StatusForbidden}
	assert.Equal(t, "failed to fetch X content: 403 Forbidden", err.Error())

	err = &FetchError{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}
	assert.Equal(t, "failed to fetch X content: 503 Service Unavailable", err.Error())
	assert.True(t, err.retryable())

	err = &FetchError{StatusCode: http.StatusTooManyRequests, TooManyRequests: true, RetryAfter: 7}
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "7 seconds")
}
