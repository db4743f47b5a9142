/**
 * ParkIt API Client
 *
 * REST client for the ParkIt detection backend. Every call goes through the
 * same request path:
 * - X-API-Key header from the current credentials (unless the caller set one)
 * - JSON content type for JSON bodies, multipart for frame uploads
 * - per-request timeout (30s by default)
 * - up to MaxRetryAttempts retries on transport errors, waiting RetryDelay*(n+1)
 * - HTTP 401 logs the operator out and fails with UNAUTHORIZED
 * - other non-2xx responses fail with the backend's "detail" or "message"
 *
 * Requests are paced by a token bucket and guarded by a circuit breaker.
 */

package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/parkit/camera-console/internal/config"
	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/logging"
	"github.com/parkit/camera-console/internal/metrics"
)

// Credentials supplies the operator's API key and ends the session on 401
type Credentials interface {
	APIKey() string
	Logout() error
}

// ParkItClient handles communication with the ParkIt backend
type ParkItClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	limiter    *rate.Limiter
	breaker    *CircuitBreaker
	creds      Credentials
	logger     *logging.Logger
}

// apiRequest describes one backend call
type apiRequest struct {
	method      string
	endpoint    string
	body        []byte
	contentType string
	apiKey      string
}

// apiErrorBody is the error envelope returned by the backend
type apiErrorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

// transportError marks failures that happened before an HTTP response arrived
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// NewParkItClient creates a new ParkIt API client
func NewParkItClient(cfg *config.APIConfig, creds Credentials) *ParkItClient {
	rps := cfg.RequestsPerSecond
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}

	return &ParkItClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetryAttempts,
		retryDelay: cfg.RetryDelay,
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    NewCircuitBreaker("parkit-api"),
		creds:      creds,
		logger:     logging.NewLogger("ParkItClient"),
	}
}

// BaseURL returns the backend base URL
func (c *ParkItClient) BaseURL() string {
	return c.baseURL
}

// getJSON performs a GET and decodes the JSON response into out
func (c *ParkItClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	return c.doJSON(ctx, apiRequest{method: http.MethodGet, endpoint: endpoint}, out)
}

// sendJSON encodes in as the request body and decodes the response into out
func (c *ParkItClient) sendJSON(ctx context.Context, method, endpoint string, in, out interface{}) error {
	req := apiRequest{method: method, endpoint: endpoint}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.body = body
		req.contentType = "application/json"
	}
	return c.doJSON(ctx, req, out)
}

func (c *ParkItClient) doJSON(ctx context.Context, req apiRequest, out interface{}) error {
	body, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", req.endpoint, err)
	}
	return nil
}

// do runs a request through the circuit breaker and the retry loop.
// Errors caused by the caller's context never count against the breaker.
func (c *ParkItClient) do(ctx context.Context, req apiRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.breaker.Execute(func() ([]byte, error) {
		body, err := c.doWithRetry(ctx, req)
		if err != nil && ctx.Err() != nil {
			return nil, &abandonedError{err: err}
		}
		return body, err
	}, req.endpoint)
}

func (c *ParkItClient) doWithRetry(ctx context.Context, req apiRequest) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &abandonedError{err: fmt.Errorf("rate limiter wait failed: %w", err)}
		}

		body, err := c.send(ctx, req)
		if err == nil {
			return body, nil
		}

		var te *transportError
		if !errors.As(err, &te) {
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isTimeout(te.err) {
			return nil, consoleerrors.NewNetworkTimeoutError(req.endpoint, c.timeout, te.err)
		}

		if attempt >= c.maxRetries {
			c.logger.Error("Request failed", "endpoint", req.endpoint, "attempts", attempt+1, "error", te.err)
			apiErr := consoleerrors.NewAPICallFailedError(req.endpoint, 0, te.err.Error())
			apiErr.Cause = te.err
			return nil, apiErr
		}

		delay := c.retryDelay * time.Duration(attempt+1)
		metrics.APIRetries.Inc()
		c.logger.Warn("Transport error, retrying",
			"endpoint", req.endpoint,
			"attempt", attempt+1,
			"delay", delay,
			"error", te.err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// send performs a single HTTP exchange
func (c *ParkItClient) send(ctx context.Context, req apiRequest) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	apiKey := req.apiKey
	if apiKey == "" && c.creds != nil {
		apiKey = c.creds.APIKey()
	}
	if apiKey != "" {
		httpReq.Header.Set("X-API-Key", apiKey)
	}
	if req.body != nil && req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.APIRequestDuration.WithLabelValues(req.method, "error").Observe(time.Since(startTime).Seconds())
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("failed to read response body: %w", err)}
	}

	metrics.APIRequestDuration.WithLabelValues(req.method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(startTime).Seconds())

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("API key rejected, logging out", "endpoint", req.endpoint)
		if c.creds != nil && req.apiKey == "" {
			if err := c.creds.Logout(); err != nil {
				c.logger.Error("Failed to clear credentials", "error", err)
			}
		}
		return nil, consoleerrors.NewUnauthorizedError(req.endpoint)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, consoleerrors.NewAPICallFailedError(req.endpoint, resp.StatusCode, errorMessage(resp.StatusCode, respBody))
	}

	c.logger.Debug("Request completed",
		"method", req.method,
		"endpoint", req.endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(startTime))

	return respBody, nil
}

// errorMessage extracts "detail", then "message", else "HTTP <code>: <text>"
func errorMessage(status int, body []byte) string {
	var envelope apiErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil {
		if len(envelope.Detail) > 0 && string(envelope.Detail) != "null" {
			var detail string
			if err := json.Unmarshal(envelope.Detail, &detail); err == nil {
				if detail != "" {
					return detail
				}
			} else {
				// Validation errors arrive as a list of objects
				return string(envelope.Detail)
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// pageQuery builds limit/skip/status parameters, omitting zero values
func pageQuery(limit, skip int, status string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	if status != "" {
		q.Set("status", status)
	}
	return q.Encode()
}
