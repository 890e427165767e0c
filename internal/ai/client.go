// Package ai wraps the Anthropic API for domain analysis: a single CallAI
// entry point with retries, a circuit breaker, a concurrency cap and a
// requests-per-minute limiter.
package ai

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// ModelSonnet is used for domain analysis unless configured otherwise.
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// DefaultMaxTokens fits a full domain document.
	DefaultMaxTokens = 16000
)

// messageSender is the one SDK call the client makes. Tests replace it.
type messageSender func(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)

// Client makes Anthropic API calls with retry and circuit breaking.
type Client struct {
	send           messageSender
	model          string
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted
	limiter        *rate.Limiter
}

// Config holds client configuration
type Config struct {
	APIKey            string      // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model             string      // Model to use (default: ModelSonnet)
	Retry             RetryConfig // Retry configuration (uses defaults if not specified)
	RequestsPerMinute int         // 0 disables rate limiting
}

// NewClient creates an API client.
func NewClient(cfg *Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	c := newClient(cfg, func(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		return sdk.Messages.New(ctx, params)
	})
	return c, nil
}

func newClient(cfg *Config, send messageSender) *Client {
	model := cfg.Model
	if model == "" {
		model = ModelSonnet
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	c := &Client{
		send:  send,
		model: model,
		retry: retry,
	}

	if retry.CircuitBreakerEnabled {
		c.circuitBreaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}
	if retry.MaxConcurrentCalls > 0 {
		c.concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c
}

// Model returns the default model.
func (c *Client) Model() string {
	return c.model
}

// HealthCheck returns an error while the circuit breaker is open.
func (c *Client) HealthCheck() error {
	if c.circuitBreaker == nil {
		return nil
	}
	state, failures, _ := c.circuitBreaker.GetMetrics()
	if state == CircuitOpen {
		return fmt.Errorf("AI client unavailable: %w (failures=%d, retry in %v)",
			ErrCircuitOpen, failures, c.retry.OpenTimeout)
	}
	return nil
}

// CallAI sends prompt as a single user message and returns the concatenated
// text of the response. An empty model or zero maxTokens uses the defaults.
func (c *Client) CallAI(ctx context.Context, prompt string, operation string, model string, maxTokens int) (string, error) {
	startTime := time.Now()

	if model == "" {
		model = c.model
	}
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	var response *anthropic.Message
	err := c.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		resp, apiErr := c.send(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: int64(maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text string
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	fmt.Printf("AI %s call: input=%d tokens, output=%d tokens, duration=%v\n",
		operation, response.Usage.InputTokens, response.Usage.OutputTokens, time.Since(startTime))

	return text, nil
}
