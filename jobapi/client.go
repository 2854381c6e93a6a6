// Package jobapi talks to the check service: submit, poll fetch, cancel, and
// the per-job and queue event streams.
package jobapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"adcheck/domain"
	"adcheck/obs"
)

// ErrNotFound is returned when the service does not know the job id.
var ErrNotFound = errors.New("job not found")

// APIError is a non-2xx response from the service. Message is the response
// body as sent by the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("check service returned status %d", e.StatusCode)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client is safe for concurrent use by many jobs.
type Client struct {
	http    *resty.Client
	stream  *http.Client
	baseURL string
	log     *slog.Logger
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = obs.Component(l, "jobapi") }
}

// WithTransport replaces the round tripper for both request and stream
// traffic; it is still wrapped with tracing.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.SetTransport(obs.WrapTransport(rt))
		c.stream.Transport = obs.WrapTransport(rt)
	}
}

func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetTransport(obs.WrapTransport(nil)).
			SetHeader("Accept", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(100 * time.Millisecond).
			SetRetryMaxWaitTime(time.Second).
			AddRetryCondition(retryCondition),
		// Streams are long-lived; they end when their context is cancelled.
		stream:  &http.Client{Transport: obs.WrapTransport(nil)},
		baseURL: base,
		log:     obs.Component(nil, "jobapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("base URL must be absolute, got: %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL scheme must be http or https, got: %s", u.Scheme)
	}
	return raw, nil
}

// retryCondition retries idempotent reads only; a retried submit could create
// a second job.
func retryCondition(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return true
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit creates a job on the service and returns its id.
func (c *Client) Submit(ctx context.Context, in domain.InputDescriptor) (string, error) {
	var out submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(in).
		SetResult(&out).
		Post("/checks")
	if err := handleResponse(resp, err); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.New("check service returned an empty job id")
	}
	c.log.Debug("job submitted", "server_id", out.ID, "kind", in.Kind)
	return out.ID, nil
}

// Fetch reads the authoritative job record.
func (c *Client) Fetch(ctx context.Context, id string) (*domain.JobRecord, error) {
	var out domain.JobRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/checks/{id}")
	if err := handleResponse(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel asks the service to stop the job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Post("/checks/{id}/cancel")
	return handleResponse(resp, err)
}

// OpenEvents opens the job's push stream.
func (c *Client) OpenEvents(ctx context.Context, id string) (*Stream, error) {
	return c.open(ctx, "/checks/"+url.PathEscape(id)+"/events")
}

// OpenQueue opens the session-wide queue status stream.
func (c *Client) OpenQueue(ctx context.Context) (*Stream, error) {
	return c.open(ctx, "/checks/queue/events")
}

func (c *Client) open(ctx context.Context, path string) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to establish stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "stream rejected: " + resp.Status}
	}
	return newStream(resp.Body, cancel), nil
}

func handleResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() < 400 {
		return nil
	}
	return &APIError{
		StatusCode: resp.StatusCode(),
		Message:    strings.TrimSpace(resp.String()),
	}
}
