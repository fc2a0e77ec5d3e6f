// Package apiclient performs outbound JSON API calls and normalizes their
// outcomes: transport failures, undecodable bodies and semantic (status or
// payload) failures, with rate limits surfaced as a distinct error type.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// throttleErrorID is the Stack Exchange error_id for "throttle_violation".
const throttleErrorID = 502

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 16 << 20

// Response describes a successful call.
type Response struct {
	StatusCode int
	Header     http.Header
	// Decoded is false when the body was empty or not valid JSON for out.
	// The call is still treated as a success with a neutral (zero) result.
	Decoded bool
	// QuotaRemaining is -1 when the API did not report it.
	QuotaRemaining int
}

// Client wraps an *http.Client with decoding, diagnostics and optional pacing.
type Client struct {
	http     *http.Client
	log      zerolog.Logger
	limiter  *rate.Limiter
	decorate []func(*http.Request)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets a per-request timeout on the default *http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLimiter paces outbound requests through l.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithBasicAuth sets basic credentials on every request.
func WithBasicAuth(user, pass string) Option {
	return func(c *Client) {
		c.decorate = append(c.decorate, func(r *http.Request) { r.SetBasicAuth(user, pass) })
	}
}

// WithQueryParam adds a query parameter to every request unless value is empty.
func WithQueryParam(key, value string) Option {
	return func(c *Client) {
		if value == "" {
			return
		}
		c.decorate = append(c.decorate, func(r *http.Request) {
			q := r.URL.Query()
			q.Set(key, value)
			r.URL.RawQuery = q.Encode()
		})
	}
}

// New creates a Client.
func New(log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope collects the error/diagnostic fields used by the Stack Exchange
// and Zendesk APIs. Unknown fields are ignored.
type envelope struct {
	QuotaRemaining *int            `json:"quota_remaining"`
	Backoff        int             `json:"backoff"`
	ErrorID        int             `json:"error_id"`
	ErrorName      string          `json:"error_name"`
	ErrorMessage   string          `json:"error_message"`
	Error          json.RawMessage `json:"error"`
	Description    string          `json:"description"`
	Details        json.RawMessage `json:"details"`
}

func (e envelope) quota() int {
	if e.QuotaRemaining == nil {
		return -1
	}
	return *e.QuotaRemaining
}

func (e envelope) message() string {
	var parts []string
	if e.ErrorName != "" {
		parts = append(parts, e.ErrorName)
	}
	if e.ErrorMessage != "" {
		parts = append(parts, e.ErrorMessage)
	}
	if len(e.Error) > 0 {
		var s string
		if json.Unmarshal(e.Error, &s) == nil {
			parts = append(parts, s)
		} else {
			parts = append(parts, string(e.Error))
		}
	}
	if e.Description != "" {
		parts = append(parts, e.Description)
	}
	if len(e.Details) > 0 && string(e.Details) != "null" {
		parts = append(parts, string(e.Details))
	}
	return strings.Join(parts, ": ")
}

// NewJSONRequest builds a request with an optional JSON body.
func NewJSONRequest(ctx context.Context, method, rawURL string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do sends req and decodes a successful JSON body into out (which may be nil).
// It never panics on remote misbehavior: every failure is a returned error of
// type *TransportError, *RateLimitedError or *APIError.
func (c *Client) Do(ctx context.Context, req *http.Request, out any) (*Response, error) {
	req = req.WithContext(ctx)
	for _, d := range c.decorate {
		d(req)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	target := redact(req)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Method: req.Method, URL: target, Err: err}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// *url.Error repeats the full URL, query string included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		c.log.Warn().Err(err).Str("method", req.Method).Str("url", target).Msg("request failed")
		return nil, &TransportError{Method: req.Method, URL: target, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readBody(resp)
	if err != nil {
		c.log.Warn().Err(err).Str("method", req.Method).Str("url", target).Msg("read response body")
		return nil, &TransportError{Method: req.Method, URL: target, Err: err}
	}

	var env envelope
	_ = json.Unmarshal(body, &env)
	result := &Response{StatusCode: resp.StatusCode, Header: resp.Header, QuotaRemaining: env.quota()}

	if resp.StatusCode == http.StatusTooManyRequests || env.ErrorID == throttleErrorID {
		rl := &RateLimitedError{
			StatusCode:     resp.StatusCode,
			RetryAfter:     retryAfter(resp.Header, env.Backoff),
			QuotaRemaining: env.quota(),
			Message:        env.message(),
		}
		c.log.Warn().
			Str("method", req.Method).
			Str("url", target).
			Int("status", resp.StatusCode).
			Int("quota_remaining", rl.QuotaRemaining).
			Dur("retry_after", rl.RetryAfter).
			Str("detail", rl.Message).
			Msg("rate limited")
		return nil, rl
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: env.message(), QuotaRemaining: env.quota()}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(truncate(string(body), 200))
		}
		c.log.Warn().
			Str("method", req.Method).
			Str("url", target).
			Int("status", resp.StatusCode).
			Int("quota_remaining", apiErr.QuotaRemaining).
			Str("detail", apiErr.Message).
			Msg("request rejected")
		return nil, apiErr
	}

	if env.Backoff > 0 {
		c.log.Info().Str("url", target).Int("backoff_seconds", env.Backoff).Msg("api asked for backoff")
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		result.Decoded = out == nil
		return result, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.log.Warn().
			Err(err).
			Str("method", req.Method).
			Str("url", target).
			Int("status", resp.StatusCode).
			Int("quota_remaining", result.QuotaRemaining).
			Msg("undecodable response treated as empty")
		return result, nil
	}
	result.Decoded = true
	return result, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	return io.ReadAll(io.LimitReader(r, maxBodyBytes))
}

// retryAfter prefers the Retry-After header (seconds or HTTP date) and falls
// back to a body-provided backoff in seconds.
func retryAfter(h http.Header, backoff int) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	if backoff > 0 {
		return time.Duration(backoff) * time.Second
	}
	return 0
}

// redact drops the query string so API keys never reach the logs.
func redact(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
