package apiclient

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Items []struct {
		ID int `json:"id"`
	} `json:"items"`
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *httptest.Server, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	var logs bytes.Buffer
	return New(zerolog.New(&logs), opts...), srv, &logs
}

func get(t *testing.T, c *Client, url string, out any) (*Response, error) {
	t.Helper()
	req, err := NewJSONRequest(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	return c.Do(context.Background(), req, out)
}

func TestDo_Success(t *testing.T) {
	c, srv, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"id":1},{"id":2}],"quota_remaining":9000}`))
	})

	var out payload
	resp, err := get(t, c, srv.URL, &out)
	require.NoError(t, err)
	assert.True(t, resp.Decoded)
	assert.Equal(t, 9000, resp.QuotaRemaining)
	assert.Len(t, out.Items, 2)
}

func TestDo_GzipBody(t *testing.T) {
	c, srv, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"items":[{"id":7}]}`))
		_ = gz.Close()
	})

	var out payload
	resp, err := get(t, c, srv.URL, &out)
	require.NoError(t, err)
	assert.True(t, resp.Decoded)
	require.Len(t, out.Items, 1)
	assert.Equal(t, 7, out.Items[0].ID)
}

func TestDo_MalformedBodyIsNeutral(t *testing.T) {
	c, srv, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	})

	var out payload
	resp, err := get(t, c, srv.URL, &out)
	require.NoError(t, err)
	assert.False(t, resp.Decoded)
	assert.Empty(t, out.Items)
	assert.Contains(t, logs.String(), "undecodable")
}

func TestDo_RateLimitedRetryAfterHeader(t *testing.T) {
	c, srv, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"TooManyRequests"}`))
	})

	_, err := get(t, c, srv.URL, nil)
	require.Error(t, err)
	wait, ok := IsRateLimited(err)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, wait)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Contains(t, logs.String(), "rate limited")
}

func TestDo_StackExchangeThrottleBody(t *testing.T) {
	c, srv, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_id":502,"error_name":"throttle_violation","error_message":"too many requests","backoff":30,"quota_remaining":0}`))
	})

	_, err := get(t, c, srv.URL, nil)
	wait, ok := IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 0, rl.QuotaRemaining)
	assert.Contains(t, rl.Message, "throttle_violation")
}

func TestDo_SemanticFailure(t *testing.T) {
	c, srv, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"RecordInvalid","description":"Record validation errors"}`))
	})

	_, err := get(t, c, srv.URL, nil)
	require.Error(t, err)
	_, limited := IsRateLimited(err)
	assert.False(t, limited)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "RecordInvalid")
	assert.Contains(t, logs.String(), "request rejected")
}

func TestDo_NotFound(t *testing.T) {
	c, srv, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := get(t, c, srv.URL, nil)
	assert.True(t, IsNotFound(err))
}

func TestDo_TransportFailure(t *testing.T) {
	c, srv, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()

	_, err := get(t, c, url+"/questions?key=secret", nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.NotContains(t, te.Error(), "secret")
}

func TestDo_Decorators(t *testing.T) {
	c, srv, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "agent@example.com/token", user)
		assert.Equal(t, "abc", pass)
		assert.Equal(t, "devkey", r.URL.Query().Get("key"))
		assert.Equal(t, "go", r.URL.Query().Get("tagged"))
		_, _ = w.Write([]byte(`{}`))
	},
		WithBasicAuth("agent@example.com/token", "abc"),
		WithQueryParam("key", "devkey"),
		WithQueryParam("empty", ""),
	)

	_, err := get(t, c, srv.URL+"?tagged=go", nil)
	require.NoError(t, err)
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), retryAfter(h, 0))
	assert.Equal(t, 10*time.Second, retryAfter(h, 10))

	h.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, retryAfter(h, 10))

	h.Set("Retry-After", "garbage")
	assert.Equal(t, 10*time.Second, retryAfter(h, 10))
}
