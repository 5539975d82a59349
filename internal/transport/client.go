// Package transport sends credentialed HTTP requests to an integration's
// remote service. A Client is built per invocation: it refreshes the
// credential at most once and retries each request at most once.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/internal/observability"
	"github.com/pitabwire/addonrt/model"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Observer receives transport events. observability.Metrics implements it.
type Observer interface {
	RecordTransportRequest(integrationID, method string, status int, duration time.Duration)
	RecordCredentialRefresh(integrationID, outcome string)
	SetBreakerState(integrationID string, state float64)
}

type nopObserver struct{}

func (nopObserver) RecordTransportRequest(string, string, int, time.Duration) {}
func (nopObserver) RecordCredentialRefresh(string, string)                    {}
func (nopObserver) SetBreakerState(string, float64)                           {}

// ExpiredFunc reports whether a response signals an expired credential.
type ExpiredFunc func(resp *Response) bool

// UnauthorizedExpired treats 401 Unauthorized as an expired credential.
func UnauthorizedExpired(resp *Response) bool {
	return resp.StatusCode == http.StatusUnauthorized
}

// StatusExpired treats any of codes as an expired credential.
func StatusExpired(codes ...int) ExpiredFunc {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return func(resp *Response) bool { return set[resp.StatusCode] }
}

// Request is one call to the remote service. Path is relative to the
// integration base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read remote response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK returns true for 2xx responses.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err returns nil for 2xx responses, otherwise a PROVIDER_ERROR carrying
// the status and the start of the body.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	body := string(r.Body)
	if len(body) > 256 {
		body = body[:256]
	}
	return model.NewError(model.ErrProviderError,
		fmt.Sprintf("remote service responded %d: %s", r.StatusCode, strings.TrimSpace(body)))
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return model.WrapError(model.ErrProviderError, fmt.Errorf("decode remote response: %w", err))
	}
	return nil
}

// Client sends requests for one integration during one invocation.
type Client struct {
	integrationID string
	base          *url.URL
	credentials   model.CredentialSource
	http          *http.Client
	breaker       *CircuitBreaker
	expired       ExpiredFunc
	observer      Observer
	logger        *zap.Logger

	mu         sync.Mutex
	refreshed  bool
	generation uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithBreaker shares a circuit breaker across clients of one integration.
func WithBreaker(cb *CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithExpiredFunc overrides how an expired credential is detected.
func WithExpiredFunc(fn ExpiredFunc) ClientOption {
	return func(c *Client) { c.expired = fn }
}

// WithObserver reports requests and refreshes to o.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the integration at baseURL.
func NewClient(integrationID, baseURL string, credentials model.CredentialSource, opts ...ClientOption) (*Client, error) {
	base, err := ParseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		integrationID: integrationID,
		base:          base,
		credentials:   credentials,
		expired:       UnauthorizedExpired,
		observer:      nopObserver{},
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(BreakerConfig{})
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Send issues req with credential headers. An expired-credential response
// triggers this client's single refresh and one retry of req. If the
// credential is still rejected the response is returned together with a
// CREDENTIALS_EXPIRED error.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	target, err := ResolvePath(c.base, req.Path)
	if err != nil {
		return nil, err
	}
	if len(req.Query) > 0 {
		q := target.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	ctx, span := observability.StartSpan(ctx, "transport.send",
		observability.AttrIntegrationID.String(c.integrationID),
		attribute.String("http.request.method", req.Method),
	)
	resp, err := c.send(ctx, req, target)
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	observability.EndSpanWithError(span, err)
	return resp, err
}

func (c *Client) send(ctx context.Context, req Request, target *url.URL) (*Response, error) {
	resp, gen, err := c.do(ctx, req, target)
	if err != nil || !c.expired(resp) {
		return resp, err
	}

	if err := c.refreshOnce(ctx, gen); err != nil {
		return resp, err
	}

	retry, _, err := c.do(ctx, req, target)
	if err != nil {
		return nil, err
	}
	if c.expired(retry) {
		return retry, model.NewError(model.ErrCredentialsExpired,
			fmt.Sprintf("integration %s rejected the refreshed credential", c.integrationID))
	}
	return retry, nil
}

// refreshOnce renews the credential unless another request already did so
// after gen was issued. Only the first expired response of a client may
// trigger a refresh; the lock keeps that attempt single.
func (c *Client) refreshOnce(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != gen {
		return nil
	}
	if c.refreshed {
		return model.NewError(model.ErrCredentialsExpired,
			fmt.Sprintf("integration %s credential expired and was already refreshed", c.integrationID))
	}
	c.refreshed = true

	if err := c.credentials.RefreshCredential(ctx); err != nil {
		c.observer.RecordCredentialRefresh(c.integrationID, "failure")
		c.logger.Warn("credential refresh failed",
			zap.String("integration_id", c.integrationID),
			zap.Error(err),
		)
		return &model.ErrorEnvelope{
			Code:    model.ErrCredentialRefreshFailed,
			Message: fmt.Sprintf("integration %s: refresh credential: %v", c.integrationID, err),
			Cause:   err,
		}
	}
	c.generation++
	c.observer.RecordCredentialRefresh(c.integrationID, "success")
	c.logger.Debug("credential refreshed", zap.String("integration_id", c.integrationID))
	return nil
}

// do performs one physical request. It returns the credential generation
// the request was sent with.
func (c *Client) do(ctx context.Context, req Request, target *url.URL) (*Response, uint64, error) {
	if err := c.breaker.Allow(); err != nil {
		c.observer.SetBreakerState(c.integrationID, float64(c.breaker.State()))
		return nil, 0, err
	}

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	creds, err := c.credentials.CredentialHeaders(ctx)
	if err != nil {
		return nil, gen, &model.ErrorEnvelope{
			Code:    model.ErrCredentialsExpired,
			Message: fmt.Sprintf("integration %s: credential headers: %v", c.integrationID, err),
			Cause:   err,
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, gen, fmt.Errorf("transport: build request: %w", err)
	}
	httpReq.Header = buildHeaders(req, creds)
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.recordFailure()
		c.observer.RecordTransportRequest(c.integrationID, req.Method, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, gen, ctx.Err()
		}
		return nil, gen, &model.ErrorEnvelope{
			Code:    model.ErrProviderUnavailable,
			Message: fmt.Sprintf("integration %s: request failed: %v", c.integrationID, err),
			Cause:   err,
		}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		c.recordFailure()
		return nil, gen, model.WrapError(model.ErrProviderError, fmt.Errorf("read response: %w", err))
	}

	// Only 5xx count against the provider; a 4xx still proves it is up.
	if httpResp.StatusCode >= 500 {
		c.recordFailure()
	} else {
		c.breaker.RecordSuccess()
		c.observer.SetBreakerState(c.integrationID, float64(c.breaker.State()))
	}
	c.observer.RecordTransportRequest(c.integrationID, req.Method, httpResp.StatusCode, time.Since(start))
	c.logger.Debug("provider request",
		zap.String("integration_id", c.integrationID),
		zap.String("method", req.Method),
		zap.String("path", target.Path),
		zap.Int("status", httpResp.StatusCode),
		zap.Any("headers", observability.RedactHeaders(httpReq.Header)),
	)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, gen, nil
}

func (c *Client) recordFailure() {
	c.breaker.RecordFailure()
	c.observer.SetBreakerState(c.integrationID, float64(c.breaker.State()))
}

func buildHeaders(req Request, creds http.Header) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if req.Body != nil {
		h.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			h.Add(sanitizeHeader(k), sanitizeHeader(v))
		}
	}
	// Credential headers always win over caller-supplied ones.
	for k, vs := range creds {
		h.Del(k)
		for _, v := range vs {
			h.Add(sanitizeHeader(k), sanitizeHeader(v))
		}
	}
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// GetJSON sends a GET and decodes a 2xx JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.Send(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return resp.DecodeJSON(out)
}

// PostJSON sends body as JSON and decodes a 2xx JSON body into out. A nil
// out discards the response body.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	resp, err := c.Send(ctx, Request{Method: http.MethodPost, Path: path, Body: payload})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}
