package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(WithMaxRetries(1), WithBaseDelay(time.Millisecond), WithHeaderParser(ParseAnthropicHeaders))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	var rerr *RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusTooManyRequests, rerr.StatusCode)
	assert.True(t, rerr.IsRetryable())
}

func TestDoBackoffRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(10 * time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Do(req) //nolint:bodyclose
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestParseAnthropicHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "7")
	h.Set("anthropic-ratelimit-requests-remaining", "42")

	info := ParseAnthropicHeaders(h)
	assert.Equal(t, 7*time.Second, info.RetryAfter)
	assert.Equal(t, 42, info.RequestsRemaining)
}

func TestParseOpenAIHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	h.Set("x-ratelimit-remaining-tokens", "1000")

	info := ParseOpenAIHeaders(h)
	assert.Equal(t, 3*time.Second, info.RetryAfter)
	assert.Equal(t, 1000, info.TokensRemaining)
}

func TestDefaultRetryStrategy(t *testing.T) {
	assert.Equal(t, SmartRetry, DefaultRetryStrategy(http.StatusTooManyRequests))
	assert.Equal(t, ConservativeRetry, DefaultRetryStrategy(http.StatusBadGateway))
	assert.Equal(t, NoRetry, DefaultRetryStrategy(http.StatusBadRequest))
}
