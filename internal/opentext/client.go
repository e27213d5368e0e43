package opentext

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

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// APIError is a failed upstream response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opentext api error %d: %s", e.StatusCode, e.Message)
}

// Recorder receives the outcome of every completed HTTP attempt.
// The adaptive rate limiter implements it; the client never adjusts
// rates itself.
type Recorder interface {
	RecordResponse(statusCode int, responseTime time.Duration, isError bool)
}

// ClientConfig configures the OpenText HTTP client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// HTTPClient overrides the default client when set; used in tests.
	HTTPClient *http.Client
}

// Client performs JSON calls against the OpenText API.
//
// Transport errors (no response received) are retried with a constant
// delay. Statused failures are never retried here: backing off on
// 429/5xx pressure is the adaptive limiter's job, and retrying under
// one admission token would bypass it.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	maxRetries int
	retryDelay time.Duration

	httpClient *http.Client
	recorder   Recorder
	logger     zerolog.Logger
}

// NewClient creates an OpenText API client. The recorder may be nil
// when adaptive rate limiting is disabled.
func NewClient(cfg ClientConfig, recorder Recorder, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("opentext: base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("opentext: API key is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("opentext: max retries must not be negative, got %d", cfg.MaxRetries)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		httpClient: httpClient,
		recorder:   recorder,
		logger:     logger.With().Str("component", "opentext_client").Logger(),
	}, nil
}

// GetJSON performs a GET request and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// PutJSON performs a PUT request with a JSON body, decoding any
// response into out when out is non-nil.
func (c *Client) PutJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.NewConstant(c.retryDelayOrDefault()))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "CenterFuze-OpenText-Service/1.0")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			c.record(0, elapsed, true)
			c.logger.Warn().Err(err).Str("method", method).Str("url", reqURL).Msg("transport error, will retry")
			return retry.RetryableError(fmt.Errorf("http client error: %w", err))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			c.record(resp.StatusCode, elapsed, true)
			return fmt.Errorf("read response body: %w", err)
		}

		if resp.StatusCode >= 400 {
			c.record(resp.StatusCode, elapsed, true)
			c.logger.Error().Int("status", resp.StatusCode).Str("method", method).Str("url", reqURL).Msg("api error")
			return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
		}

		c.record(resp.StatusCode, elapsed, false)

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response body: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) retryDelayOrDefault() time.Duration {
	if c.retryDelay > 0 {
		return c.retryDelay
	}
	return time.Second
}

func (c *Client) record(status int, elapsed time.Duration, isError bool) {
	if c.recorder != nil {
		c.recorder.RecordResponse(status, elapsed, isError)
	}
}

// errorMessage extracts an error string from an upstream failure body.
func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = "request failed"
	}
	return msg
}
