// Package apiclient is the HTTP collaborator behind api_job nodes:
// one call surface, ExecuteWithRetry, driving net/http with the
// retry policy's per-attempt delays.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/weft/internal/log"
	"github.com/loomworks/weft/internal/retry"
)

// Auth configures request authentication. Type selects the scheme:
// "basic" uses User/Pass, "bearer" uses Token, empty disables auth.
type Auth struct {
	Type  string
	User  string
	Pass  string
	Token string
}

// RequestOptions tunes one ExecuteWithRetry call. Zero values mean:
// single attempt, 30 s timeout, 2xx expected.
type RequestOptions struct {
	Headers             map[string]string
	Timeout             time.Duration
	Policy              retry.Policy
	ExpectedStatusCodes []int
	Auth                *Auth
}

// Response is the terminal attempt's result.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Body) }

// JSON decodes the body.
func (r *Response) JSON() (any, error) {
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return v, nil
}

// StatusError reports a response outside the expected status codes.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

const defaultTimeout = 30 * time.Second

// Client executes HTTP calls for handlers. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	log        *log.Logger
}

// New returns a client. A nil logger is replaced with a no-op one;
// the underlying http.Client carries no global timeout because each
// attempt gets its own deadline.
func New(logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 0},
		log:        logger,
	}
}

// NewWithHTTPClient wires a custom http.Client, used by tests.
func NewWithHTTPClient(hc *http.Client, logger *log.Logger) *Client {
	c := New(logger)
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// ExecuteWithRetry issues the request up to Policy.MaxAttempts times,
// sleeping the policy's delay before each retry. Any attempt whose
// status is in ExpectedStatusCodes wins; network errors and
// unexpected statuses are retried until attempts run out.
func (c *Client) ExecuteWithRetry(ctx context.Context, method, url string, body any, opts RequestOptions) (*Response, error) {
	attempts := opts.Policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	payload, contentType, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := opts.Policy.CalculateDelay(attempt - 1); delay > 0 {
			if err := retry.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.do(ctx, method, url, payload, contentType, timeout, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("request attempt failed", map[string]any{
			"method":  method,
			"url":     url,
			"attempt": attempt,
			"reason":  err.Error(),
		})
	}
	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, url, attempts, lastErr)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, contentType string, timeout time.Duration, opts RequestOptions) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, strings.ToUpper(method), url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if a := opts.Auth; a != nil {
		switch strings.ToLower(a.Type) {
		case "basic":
			req.SetBasicAuth(a.User, a.Pass)
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+a.Token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	out := &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: raw}
	if !statusExpected(resp.StatusCode, opts.ExpectedStatusCodes) {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return out, nil
}

func statusExpected(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	for _, want := range expected {
		if code == want {
			return true
		}
	}
	return false
}

// encodeBody renders the request body: raw bytes and strings pass
// through, everything else marshals to JSON.
func encodeBody(body any) ([]byte, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return v, "", nil
	case string:
		return []byte(v), "", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return b, "application/json", nil
	}
}
