// Package transport issues HTTP calls to named backend services through a
// circuit breaker and a retry loop.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/theirongolddev/envsync/internal/breaker"
	"github.com/theirongolddev/envsync/internal/codec"
	"github.com/theirongolddev/envsync/internal/resolver"
	"github.com/theirongolddev/envsync/internal/retry"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodySize    = 64 << 20 // 64 MB
	userAgent      = "envsync"
)

var zeroDelays atomic.Bool

// ZeroRetryDelays makes every client retry without waiting until restore is called.
// It exists for tests.
func ZeroRetryDelays() (restore func()) {
	prev := zeroDelays.Swap(true)
	return func() { zeroDelays.Store(prev) }
}

// Options configures a Client.
type Options struct {
	Resolver   resolver.Resolver
	Breakers   *breaker.Registry
	Retry      retry.Options
	HTTPClient *http.Client

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// Binary asks for msgpack bodies on every call.
	Binary bool
	Logger *log.Logger
}

// NewBreakers returns a registry that only counts transient failures.
func NewBreakers(opts breaker.Options) *breaker.Registry {
	if opts.IsFailure == nil {
		opts.IsFailure = IsTransient
	}
	return breaker.NewRegistry(opts)
}

// Client talks to one logical service.
type Client struct {
	service string
	baseURL string
	opts    Options
	http    *http.Client
}

// New resolves service and returns a client for it.
func New(service string, opts Options) (*Client, error) {
	base, err := opts.Resolver.Resolve(service)
	if err != nil {
		return nil, err
	}
	if opts.Breakers == nil {
		opts.Breakers = NewBreakers(breaker.Options{})
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{service: service, baseURL: base, opts: opts, http: hc}, nil
}

// Service returns the logical service name.
func (c *Client) Service() string { return c.service }

// BaseURL returns the resolved base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Breaker returns the circuit breaker guarding this service.
func (c *Client) Breaker() *breaker.Breaker { return c.opts.Breakers.Get(c.service) }

type call struct {
	binary  bool
	headers http.Header
	status  *int
}

// CallOption adjusts a single call.
type CallOption func(*call)

// WithBinary requests msgpack encoding for this call.
func WithBinary() CallOption {
	return func(c *call) { c.binary = true }
}

// WithHeader sets a request header.
func WithHeader(key, value string) CallOption {
	return func(c *call) { c.headers.Set(key, value) }
}

// WithStatus stores the final response status code in dst.
func WithStatus(dst *int) CallOption {
	return func(c *call) { c.status = dst }
}

// Get issues a GET and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, out any, opts ...CallOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, opts...)
}

// Post issues a POST with body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.Do(ctx, http.MethodPost, path, body, out, opts...)
}

// Put issues a PUT with body and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.Do(ctx, http.MethodPut, path, body, out, opts...)
}

// Do runs one logical request: retry wraps the breaker which wraps the HTTP
// exchange. Transient failures are retried and counted; other non-2xx
// responses are returned as *HTTPError straight away.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...CallOption) error {
	cl := call{binary: c.opts.Binary, headers: make(http.Header)}
	for _, o := range opts {
		o(&cl)
	}
	format := codec.JSON
	if cl.binary {
		format = codec.Msgpack
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = codec.Marshal(format, body)
		if err != nil {
			return fmt.Errorf("%s %s %s: %w", c.service, method, path, err)
		}
	}

	ropts := c.opts.Retry
	if zeroDelays.Load() {
		ropts = ropts.NoDelay()
	}
	ropts.ShouldRetry = func(err error) bool {
		if errors.Is(err, breaker.ErrOpen) || !IsTransient(err) {
			return false
		}
		c.logf("transport: %s %s %s failed, retrying: %v", c.service, method, path, err)
		return true
	}

	b := c.opts.Breakers.Get(c.service)
	return retry.Do(ctx, ropts, func(ctx context.Context) error {
		return b.Execute(ctx, func(ctx context.Context) error {
			return c.exchange(ctx, method, path, format, payload, out, &cl)
		})
	})
}

func (c *Client) exchange(ctx context.Context, method, path string, format codec.Format, payload []byte, out any, cl *call) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", c.service, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	req.Header.Set("Accept", format.ContentType())
	if payload != nil {
		req.Header.Set("Content-Type", format.ContentType())
	}
	for k, vs := range cl.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Service: c.service, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if cl.status != nil {
		*cl.status = resp.StatusCode
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &NetworkError{Service: c.service, Err: fmt.Errorf("reading response: %w", err)}
	}

	respFormat := codec.FormatFor(resp.Header.Get("Content-Type"))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{Service: c.service, Method: method, Path: path, StatusCode: resp.StatusCode}
		var errBody struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if codec.Unmarshal(respFormat, data, &errBody) == nil {
			httpErr.Code = errBody.Code
			httpErr.Message = errBody.Message
		} else {
			httpErr.Message = strings.TrimSpace(string(data))
		}
		return httpErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = data
		return nil
	}
	if err := codec.Unmarshal(respFormat, data, out); err != nil {
		return fmt.Errorf("%s %s %s: %w", c.service, method, path, err)
	}
	return nil
}

// Health probes GET /health. A 2xx with a body of {"ok":false} or a status
// other than "ok" counts as unhealthy.
func (c *Client) Health(ctx context.Context) error {
	var raw []byte
	plain := func(cl *call) { cl.binary = false }
	if err := c.Get(ctx, "/health", &raw, plain); err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var body struct {
		OK     *bool  `json:"ok"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		// Plain-text health bodies such as "ok\n".
		if strings.EqualFold(strings.TrimSpace(string(raw)), "ok") {
			return nil
		}
		return fmt.Errorf("%s: unreadable health response", c.service)
	}
	if body.OK != nil && !*body.OK {
		return fmt.Errorf("%s: reported unhealthy", c.service)
	}
	if body.Status != "" && !strings.EqualFold(body.Status, "ok") {
		return fmt.Errorf("%s: reported status %q", c.service, body.Status)
	}
	return nil
}

func (c *Client) logf(format string, args ...any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Printf(format, args...)
	}
}
