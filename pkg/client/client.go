// Package client composes the resilience layers into an HTTP client:
// recovery wraps the circuit breaker, which wraps retry, which performs the
// transport call on a pooled agent with a timeout computed per endpoint.
// The layer order is fixed so breaker state reflects post-retry outcomes and
// recovery only engages once normal paths are exhausted.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"httpshield/pkg/breaker"
	"httpshield/pkg/cache"
	"httpshield/pkg/conn"
	"httpshield/pkg/failure"
	"httpshield/pkg/logging"
	"httpshield/pkg/metrics"
	"httpshield/pkg/recovery"
	"httpshield/pkg/retry"
	"httpshield/pkg/timeout"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config aggregates the per-layer configurations.
type Config struct {
	// BaseURL, when set, prefixes relative paths passed to the verb helpers
	BaseURL string

	Conn     conn.Config
	Retry    retry.Policy
	Breaker  breaker.Config
	Timeout  timeout.Config
	Recovery recovery.Config
}

// DefaultConfig returns the documented defaults for every layer.
func DefaultConfig() Config {
	return Config{
		Conn:     conn.DefaultConfig(),
		Retry:    retry.DefaultPolicy(),
		Breaker:  breaker.DefaultConfig(),
		Timeout:  timeout.DefaultConfig(),
		Recovery: recovery.DefaultConfig(),
	}
}

// Response is what a call yields: the primary response's status and headers,
// the decoded payload, and the recovery trace. Fallback responses carry the
// strategy's payload with StatusCode 200 and no headers.
type Response struct {
	StatusCode       int
	Header           http.Header
	Data             any
	Source           string
	FallbackUsed     bool
	DegradationLevel string
	Actions          []string
}

// RequestOptions carries per-call overrides merged over each layer's stored
// configuration.
type RequestOptions struct {
	// RequestID labels this call in logs and retry stats; generated when empty
	RequestID string
	// Timeout is the caller's preferred bound, refined by the timeout manager
	Timeout time.Duration
	// Headers are set on the outgoing request
	Headers map[string]string

	Retry    *retry.Override
	Breaker  *breaker.Override
	Timeouts *timeout.Override
	Recovery *recovery.Override
}

// Client is the composed resilient HTTP client. All managers are owned by
// the client and torn down by Close.
type Client struct {
	baseURL string

	conns      *conn.Manager
	retries    *retry.Manager
	breakers   *breaker.Manager
	timeouts   *timeout.Manager
	recoveries *recovery.Manager

	onCircuitOpen func(circuitID string, err error)

	logger    *logging.Logger
	collector metrics.Collector
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger        *logging.Logger
	collector     metrics.Collector
	store         cache.Store
	onCircuitOpen func(circuitID string, err error)
}

// WithLogger sets the logger shared by the client and its managers.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCollector sets the metrics collector shared by all layers.
func WithCollector(collector metrics.Collector) Option {
	return func(o *options) { o.collector = collector }
}

// WithCacheStore replaces the recovery manager's response cache backend.
func WithCacheStore(store cache.Store) Option {
	return func(o *options) { o.store = store }
}

// WithCircuitOpenHook installs a callback invoked when a call is rejected by
// an open circuit, before recovery engages.
func WithCircuitOpenHook(hook func(circuitID string, err error)) Option {
	return func(o *options) { o.onCircuitOpen = hook }
}

// New builds a client whose layers share one logger and collector.
func New(cfg Config, opts ...Option) *Client {
	o := &options{
		logger:    logging.Global().Named("client"),
		collector: metrics.NoOpCollector{},
	}
	for _, opt := range opts {
		opt(o)
	}

	recoveryOpts := []recovery.Option{
		recovery.WithLogger(o.logger.Named("recovery")),
		recovery.WithCollector(o.collector),
	}
	if o.store != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithStore(o.store))
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		conns: conn.NewManager(cfg.Conn,
			conn.WithLogger(o.logger.Named("conn")),
			conn.WithCollector(o.collector),
		),
		retries: retry.NewManager(cfg.Retry,
			retry.WithLogger(o.logger.Named("retry")),
			retry.WithCollector(o.collector),
		),
		breakers: breaker.NewManager(cfg.Breaker,
			breaker.WithLogger(o.logger.Named("breaker")),
			breaker.WithCollector(o.collector),
		),
		timeouts: timeout.NewManager(cfg.Timeout,
			timeout.WithLogger(o.logger.Named("timeout")),
			timeout.WithCollector(o.collector),
		),
		recoveries:    recovery.NewManager(cfg.Recovery, recoveryOpts...),
		onCircuitOpen: o.onCircuitOpen,
		logger:        o.logger,
		collector:     o.collector,
	}
}

// Do issues one logical request through every resilience layer. body, when
// non-nil, is JSON-encoded and replayed identically on each retry attempt.
func (c *Client) Do(ctx context.Context, method, rawURL string, body any, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	rawURL = c.resolve(rawURL)

	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var bodyBytes []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: marshal request body: %w", err)
		}
		bodyBytes = data
	}

	circuitID, endpointID, err := identifiers(method, rawURL)
	if err != nil {
		return nil, err
	}

	timeoutDur := c.timeouts.Timeout(method, rawURL, opts.Timeout, opts.Timeouts)

	// Status and headers travel alongside the payload via the closure; the
	// resilience layers only see the decoded data and the error.
	var lastStatus int
	var lastHeader http.Header

	op := func() (any, error) {
		status, header, data, err := c.roundTrip(ctx, method, rawURL, endpointID, bodyBytes, opts.Headers, timeoutDur)
		if status != 0 {
			lastStatus = status
			lastHeader = header
		}
		return data, err
	}

	primary := func() (any, error) {
		data, err := c.breakers.Execute(ctx, circuitID, func() (any, error) {
			return c.retries.Execute(ctx, requestID, op, opts.Retry)
		}, opts.Breaker)

		if err != nil && failure.IsCircuitOpen(err) && c.onCircuitOpen != nil {
			c.onCircuitOpen(circuitID, err)
		}
		return data, err
	}

	result, err := c.recoveries.Execute(ctx, endpointID, primary,
		recovery.Request{Method: method, URL: rawURL}, opts.Recovery)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("request_id", requestID),
			zap.String("endpoint", endpointID),
			zap.Error(err),
		)
		return nil, err
	}

	resp := &Response{
		StatusCode:       lastStatus,
		Header:           lastHeader,
		Data:             result.Data,
		Source:           result.Source,
		FallbackUsed:     result.FallbackUsed,
		DegradationLevel: result.DegradationLevel,
		Actions:          result.Actions,
	}
	if result.FallbackUsed {
		resp.StatusCode = http.StatusOK
		resp.Header = nil
	}

	return resp, nil
}

// roundTrip performs the actual transport call on a pooled agent.
func (c *Client) roundTrip(ctx context.Context, method, rawURL, endpointID string, body []byte, headers map[string]string, bound time.Duration) (int, http.Header, any, error) {
	agent, err := c.conns.GetAgent(rawURL)
	if err != nil {
		return 0, nil, nil, err
	}

	tc, err := c.conns.GetTransportConfig(rawURL)
	if err != nil {
		return 0, nil, nil, err
	}

	callCtx := ctx
	if bound > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, bound)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(callCtx, method, rawURL, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("client: build request: %w", err)
	}

	for k, v := range tc.Headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpClient := &http.Client{Transport: agent.Transport}

	start := time.Now()
	resp, err := httpClient.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		timedOut := failure.IsTimeout(err)
		c.timeouts.RecordResponseTime(method, rawURL, elapsed, timedOut)
		c.collector.RecordRequest(endpointID, false, elapsed)
		if timedOut {
			return 0, nil, nil, fmt.Errorf("%w: %s %s after %s", failure.ErrTimeout, method, rawURL, elapsed.Round(time.Millisecond))
		}
		return 0, nil, nil, fmt.Errorf("client: %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	reader = resp.Body
	if tc.MaxResponseBytes > 0 {
		reader = io.LimitReader(resp.Body, tc.MaxResponseBytes)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		c.timeouts.RecordResponseTime(method, rawURL, elapsed, false)
		c.collector.RecordRequest(endpointID, false, elapsed)
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("client: read response: %w", err)
	}

	c.timeouts.RecordResponseTime(method, rawURL, elapsed, false)

	if resp.StatusCode >= 400 {
		c.collector.RecordRequest(endpointID, false, elapsed)
		return resp.StatusCode, resp.Header, nil, &failure.StatusError{
			Code: resp.StatusCode,
			Body: truncate(string(payload), 256),
		}
	}

	c.collector.RecordRequest(endpointID, true, elapsed)

	return resp.StatusCode, resp.Header, decode(payload), nil
}

// decode parses a JSON payload; anything else passes through as a string.
func decode(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return string(payload)
	}
	return data
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// resolve prefixes relative paths with the configured base URL.
func (c *Client) resolve(rawURL string) string {
	if c.baseURL == "" || strings.Contains(rawURL, "://") {
		return rawURL
	}
	if !strings.HasPrefix(rawURL, "/") {
		rawURL = "/" + rawURL
	}
	return c.baseURL + rawURL
}

// identifiers derives the circuit id ("METHOD:scheme://host") and endpoint id
// ("METHOD:url-without-query") for one request.
func identifiers(method, rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("client: invalid url %q: %w", rawURL, err)
	}

	circuitID := method + ":" + u.Scheme + "://" + u.Host

	stripped := *u
	stripped.RawQuery = ""
	stripped.Fragment = ""
	endpointID := method + ":" + stripped.String()

	return circuitID, endpointID, nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, nil, opts)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, rawURL string, body any, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodPost, rawURL, body, opts)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, rawURL string, body any, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodPut, rawURL, body, opts)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, rawURL, nil, opts)
}

// DoJSON issues a request and unmarshals the response payload into out.
func (c *Client) DoJSON(ctx context.Context, method, rawURL string, body, out any, opts *RequestOptions) (*Response, error) {
	resp, err := c.Do(ctx, method, rawURL, body, opts)
	if err != nil {
		return resp, err
	}

	if out != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return resp, fmt.Errorf("client: remarshal response: %w", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return resp, fmt.Errorf("client: unmarshal response: %w", err)
		}
	}

	return resp, nil
}

// Connections exposes the connection manager for operational tooling.
func (c *Client) Connections() *conn.Manager { return c.conns }

// Retries exposes the retry manager.
func (c *Client) Retries() *retry.Manager { return c.retries }

// Breakers exposes the circuit breaker manager.
func (c *Client) Breakers() *breaker.Manager { return c.breakers }

// Timeouts exposes the timeout manager.
func (c *Client) Timeouts() *timeout.Manager { return c.timeouts }

// Recovery exposes the recovery manager.
func (c *Client) Recovery() *recovery.Manager { return c.recoveries }

// Close tears down every layer. The client must not be used afterwards.
func (c *Client) Close() {
	c.breakers.Destroy()
	c.conns.Destroy()
}
