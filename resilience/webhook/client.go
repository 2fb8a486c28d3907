package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// HTTPClient posts a body and returns the response status. A non-nil error
// means no response was received.
type HTTPClient interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) (int, error)
}

// ClientConfig tunes the default HTTP client.
type ClientConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// InlineRetries is the number of immediate transport-level retries.
	// Zero leaves all retrying to the retry queue.
	InlineRetries int `mapstructure:"inline_retries"`
	// RateLimit caps outgoing requests per second across all endpoints.
	// Zero disables the limit.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
	UserAgent string  `mapstructure:"user_agent"`
}

// DefaultClientConfig returns a 10s timeout, no inline retries and no rate limit.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:   10 * time.Second,
		UserAgent: "resilienced-webhooks/1.0",
	}
}

// Client is the default HTTPClient: resty over a retryablehttp transport,
// paced by a token bucket.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
}

var _ HTTPClient = (*Client)(nil)

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	defaults := DefaultClientConfig()

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = max(cfg.InlineRetries, 0)
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Content-Type", "application/json")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}

	return &Client{resty: restyClient, limiter: limiter}
}

// Post implements HTTPClient.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body []byte) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := c.resty.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post(url)
	if err != nil {
		return 0, err
	}

	return resp.StatusCode(), nil
}
