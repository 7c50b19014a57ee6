package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gembalance/internal/monitoring/tracing"
)

// AuthStyle selects how the credential is attached to the upstream request.
// Chat, embeddings and image calls use a bearer token; the model catalog
// endpoint wants the vendor API-key header instead.
type AuthStyle int

const (
	AuthBearer AuthStyle = iota
	AuthAPIKeyHeader
)

const defaultRequestTimeout = 30 * time.Second

// Result is the buffered outcome of an upstream call. Status and Header are
// populated whenever the upstream answered at all, success or not; transport
// failures surface as an error from Do instead.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the upstream answered with a 2xx.
func (r *Result) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Client talks to the upstream OpenAI-compatible surface. The transport is
// shared for connection reuse; per-request deadlines come from the context so
// streaming responses can outlive the header timeout.
type Client struct {
	cli *http.Client

	mu      sync.RWMutex
	baseURL string
	timeout time.Duration
}

func NewClient(baseURL string, requestTimeoutMs int) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	c := &Client{cli: &http.Client{Transport: tr, Timeout: 0}}
	c.Configure(baseURL, requestTimeoutMs)
	return c
}

// Configure swaps the base URL and per-request timeout, typically after a
// config reload. In-flight requests keep the settings they started with.
func (c *Client) Configure(baseURL string, requestTimeoutMs int) {
	timeout := defaultRequestTimeout
	if requestTimeoutMs > 0 {
		timeout = time.Duration(requestTimeoutMs) * time.Millisecond
	}
	c.mu.Lock()
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	c.timeout = timeout
	c.mu.Unlock()
}

func (c *Client) settings() (string, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL, c.timeout
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, auth AuthStyle, key string) (*http.Request, error) {
	base, _ := c.settings()
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	switch auth {
	case AuthAPIKeyHeader:
		req.Header.Set("x-goog-api-key", key)
	default:
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

// Do performs a buffered upstream call. The configured per-request timeout is
// armed on top of the caller's context; the response body is read to
// completion before returning.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, auth AuthStyle, key string) (*Result, error) {
	_, timeout := c.settings()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "upstream", "Upstream.Do",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		))
	defer span.End()

	req, err := c.newRequest(ctx, method, path, body, auth, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if readErr != nil {
		span.RecordError(readErr)
		span.SetStatus(codes.Error, readErr.Error())
		return nil, fmt.Errorf("read upstream response: %w", readErr)
	}
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("http_status=%d", resp.StatusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// DoStream performs an upstream call and hands back the raw response for
// passthrough. The returned cancel func releases the timeout; the caller MUST
// invoke it and close resp.Body once piping finishes.
func (c *Client) DoStream(ctx context.Context, method, path string, body []byte, auth AuthStyle, key string) (*http.Response, context.CancelFunc, error) {
	_, timeout := c.settings()
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := c.newRequest(ctx, method, path, body, auth, key)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cli.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("upstream stream request: %w", err)
	}
	return resp, cancel, nil
}
