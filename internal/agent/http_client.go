package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCallTimeout applies when HTTPClientConfig.Timeout is zero.
const DefaultCallTimeout = 15 * time.Second

// HTTPClientConfig configures a client for one upstream.
type HTTPClientConfig struct {
	// Name identifies the upstream in errors, spans and the breaker.
	Name    string
	BaseURL string
	// APIKey, when set, is sent as the query parameter named by APIKeyParam
	// (default "apikey").
	APIKey      string
	APIKeyParam string
	Headers     map[string]string
	Timeout     time.Duration
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Defaults to 5.
	FailureThreshold uint32
	Logger           *slog.Logger
}

// HTTPClient performs JSON calls to an opaque upstream through a circuit
// breaker, with trace context propagated on every request.
type HTTPClient struct {
	name        string
	baseURL     string
	apiKey      string
	apiKeyParam string
	headers     map[string]string
	timeout     time.Duration
	httpClient  *http.Client
	tracer      trace.Tracer
	breaker     *gobreaker.CircuitBreaker
}

// NewHTTPClient creates a client for the upstream described by cfg.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	keyParam := cfg.APIKeyParam
	if keyParam == "" {
		keyParam = "apikey"
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellations and bad requests say nothing about upstream health.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var he *HandlerError
			if errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500 && he.StatusCode != http.StatusTooManyRequests {
				return true
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "upstream", name, "from", from.String(), "to", to.String())
		},
	}

	return &HTTPClient{
		name:        cfg.Name,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		apiKeyParam: keyParam,
		headers:     cfg.Headers,
		timeout:     timeout,
		httpClient:  &http.Client{},
		tracer:      otel.Tracer("agent-http-client"),
		breaker:     gobreaker.NewCircuitBreaker(settings),
	}
}

// Name returns the upstream name.
func (c *HTTPClient) Name() string { return c.name }

// SetBaseURL sets the base URL for testing purposes
func (c *HTTPClient) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// Configured reports whether a base URL is set.
func (c *HTTPClient) Configured() bool { return c.baseURL != "" }

// GetJSON issues GET baseURL+path?query and decodes the response into out.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON issues POST baseURL+path with body encoded as JSON.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Do issues an arbitrary JSON request against a full URL, bypassing the base
// URL. Used by workflow external calls.
func (c *HTTPClient) Do(ctx context.Context, method, rawURL string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "http_client.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("upstream", c.name),
		attribute.String("http.method", method),
		attribute.String("http.url", rawURL),
	)

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.callInternal(ctx, method, rawURL, body, out)
	})
	if err != nil {
		span.RecordError(err)
		return c.wrap(err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.baseURL == "" {
		return &HandlerError{Upstream: c.name, Err: errors.New("upstream URL is not configured")}
	}

	q := url.Values{}
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if c.apiKey != "" {
		q.Set(c.apiKeyParam, c.apiKey)
	}
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	ctx, span := c.tracer.Start(ctx, "http_client.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("upstream", c.name),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.callInternal(ctx, method, target, body, out)
	})
	if err != nil {
		span.RecordError(err)
		return c.wrap(err)
	}
	return nil
}

// wrap turns breaker and transport errors into HandlerErrors.
func (c *HTTPClient) wrap(err error) error {
	var he *HandlerError
	if errors.As(err, &he) {
		return err
	}
	return &HandlerError{Upstream: c.name, Err: err}
}

// callInternal performs the actual HTTP request
func (c *HTTPClient) callInternal(ctx context.Context, method, target string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	// Inject trace context
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &HandlerError{Upstream: c.name, Err: fmt.Errorf("failed to make request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HandlerError{Upstream: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &HandlerError{Upstream: c.name, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// BreakerState returns the breaker state, e.g. for health reporting.
func (c *HTTPClient) BreakerState() string {
	return c.breaker.State().String()
}
