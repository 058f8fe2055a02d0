// Package httpclient provides the HTTP helper used for all identity
// provider calls: it performs a request, retries rate-limited responses
// with exponential backoff and jitter, and hands back the response body
// for decoding. Retrying anything beyond HTTP 429 is deliberately out of
// scope; transport failures surface to the caller unchanged.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 8 * time.Second
)

// Client wraps an *http.Client with rate-limit retry behaviour.
type Client struct {
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	jitter      func(d time.Duration) time.Duration
	log         zerolog.Logger
}

// Option defines a function type to modify the Client instance.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithMaxAttempts sets the total number of attempts per request.
func WithMaxAttempts(attempts int) Option {
	return func(c *Client) { c.maxAttempts = attempts }
}

// WithBackoff sets the base and maximum retry delays.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// WithSleep replaces the delay function (primarily for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New creates a Client with default retry behaviour.
func New(options ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		sleep:       sleepContext,
		jitter: func(d time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(d)/2 + 1))
		},
		log: log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Request describes one HTTP call. Body may be nil; it is replayed on
// every retry attempt.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// Response holds the final response of a request after retries.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Success reports whether the status code is in the 2xx range.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Do performs the request, retrying HTTP 429 responses with exponential
// backoff and jitter. A Retry-After header (in seconds) overrides the
// computed delay. The response body is fully read and returned for every
// terminal status; non-2xx statuses are not errors here, callers decide.
func (c *Client) Do(ctx context.Context, request Request) (*Response, error) {
	var lastResponse *Response

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt, lastResponse)
			c.log.Warn().
				Str("url", request.URL).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("httpclient: rate limited, retrying")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, errors.Wrap(err, "[Client.Do] backoff wait")
			}
		}

		response, err := c.doOnce(ctx, request)
		if err != nil {
			return nil, err
		}
		if response.StatusCode != http.StatusTooManyRequests {
			return response, nil
		}
		lastResponse = response
	}

	return lastResponse, nil
}

func (c *Client) doOnce(ctx context.Context, request Request) (*Response, error) {
	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}

	req, err := http.NewRequestWithContext(ctx, request.Method, request.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.doOnce] http.NewRequestWithContext")
	}
	for key, value := range request.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.doOnce] httpClient.Do")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.doOnce] read body")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// backoffDelay doubles the base delay per attempt, capped at maxDelay,
// with jitter added. A server-provided Retry-After wins.
func (c *Client) backoffDelay(attempt int, last *Response) time.Duration {
	if last != nil {
		if after := last.Header.Get("Retry-After"); after != "" {
			if seconds, err := strconv.Atoi(after); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay + c.jitter(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
