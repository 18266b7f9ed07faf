package stash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxResponseSize caps response body reads.
const maxResponseSize = 32 * 1024 * 1024 // 32MB

// RetryConfig holds retry behavior for upstream requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per call.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry defaults for upstream calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		BackoffBase:       1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Client is the typed Stash GraphQL client.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	retryConfig  RetryConfig
	pollInterval time.Duration
	logger       *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the static ApiKey header value.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retryConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithPollInterval overrides the FindJob polling cadence.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New creates a Stash client for the given base URL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		retryConfig:  DefaultRetryConfig(),
		pollInterval: 2 * time.Second,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// graphqlRequest is the request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the response envelope; Data is decoded per call.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// execute sends one GraphQL operation with retry, decoding the data
// envelope into out when non-nil.
func (c *Client) execute(ctx context.Context, query string, vars map[string]any, out any) error {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		err := c.doRequest(ctx, query, vars, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt >= c.retryConfig.MaxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		if rl, ok := lastErr.(*RateLimitError); ok && rl.RetryAfter > 0 {
			backoff = rl.RetryAfter
		}
		c.logger.Debug("Stash request failed, retrying",
			"attempt", attempt,
			"max_attempts", c.retryConfig.MaxAttempts,
			"backoff", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return NewConnectionError(ctx.Err())
		case <-time.After(backoff):
		}
	}

	if _, ok := lastErr.(*RateLimitError); ok {
		return lastErr
	}
	if _, ok := lastErr.(*ConnectionError); ok {
		return lastErr
	}
	return NewConnectionError(lastErr)
}

// calculateBackoff computes exponential backoff with jitter. Jitter
// prevents synchronized retries across callers.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP round trip and classifies failures.
func (c *Client) doRequest(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}

	url := c.baseURL + "/graphql"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create graphql request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("ApiKey", c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return NewConnectionError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return NewConnectionError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return classifyHTTPError(httpResp.StatusCode, httpResp.Header, respBody)
	}

	var envelope graphqlResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return NewConnectionError(fmt.Errorf("decode graphql response: %w", err))
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return &GraphQLError{Errors: msgs}
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode graphql data: %w", err)
		}
	}
	return nil
}

// classifyHTTPError maps a non-200 response onto the error taxonomy.
func classifyHTTPError(statusCode int, header http.Header, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		return &AuthenticationError{Detail: bodyStr}
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(header.Get("Retry-After"))}
	case statusCode >= 500:
		return NewConnectionError(fmt.Errorf("stash API error (status %d): %s", statusCode, bodyStr))
	default:
		return &GraphQLError{Errors: []string{
			fmt.Sprintf("unexpected status %d: %s", statusCode, bodyStr),
		}}
	}
}

// parseRetryAfter reads a Retry-After header in seconds form.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
