package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// RetryConfig holds retry configuration for API calls
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 30s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	Timeout           time.Duration // Per-request timeout (default: 5m, domain documents are long)

	// Circuit breaker settings
	CircuitBreakerEnabled bool          // Enable circuit breaker (default: true)
	FailureThreshold      int           // Failures before opening circuit (default: 5)
	SuccessThreshold      int           // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration // How long to keep circuit open (default: 30s)

	MaxConcurrentCalls int // Maximum concurrent AI API calls (default: 3, 0 = unlimited)
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops calling the API after repeated transient failures and
// probes for recovery once the open timeout has passed.
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               5 * time.Minute,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    3,
	}
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Allow returns ErrCircuitOpen while the circuit is open and the open timeout
// has not elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.transitionTo(CircuitHalfOpen, "probing for recovery")
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.failureCount = 0
			cb.transitionTo(CircuitClosed, "failures reset")
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("failures=%d, will reopen in %v", cb.failureCount, cb.openTimeout))
		}
	case CircuitHalfOpen:
		// Any failure while probing reopens immediately.
		cb.transitionTo(CircuitOpen, "probe failed")
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns current metrics (for monitoring/logging)
func (cb *CircuitBreaker) GetMetrics() (state CircuitState, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failureCount, cb.successCount
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(next CircuitState, reason string) {
	old := cb.state
	cb.state = next
	cb.successCount = 0
	fmt.Printf("Circuit breaker state transition: %s → %s (%s)\n", old, next, reason)
}

// ErrorType classifies API failures for retry decisions.
type ErrorType string

const (
	ErrorUnknown   ErrorType = "unknown"
	ErrorQuota     ErrorType = "quota"
	ErrorTransient ErrorType = "transient"
	ErrorAuth      ErrorType = "auth"
	ErrorInvalid   ErrorType = "invalid"
)

// defaultQuotaWait applies when a 429 carries no usable retry hint.
const defaultQuotaWait = time.Hour

// classifyError returns the error type and, for quota errors, how long the
// server asked us to wait.
func classifyError(err error) (ErrorType, time.Duration) {
	if err == nil {
		return ErrorUnknown, 0
	}

	// SDK errors carry the status code; never format them, Error() needs the
	// original request.
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ErrorQuota, parseRetryAfter(apiErr)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return ErrorAuth, 0
		case apiErr.StatusCode >= 500:
			return ErrorTransient, 0
		case apiErr.StatusCode >= 400:
			return ErrorInvalid, 0
		}
		return ErrorUnknown, 0
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient, 0
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		wait := parseRetryAfterFromMessage(msg)
		if wait == 0 {
			wait = defaultQuotaWait
		}
		return ErrorQuota, wait
	case containsAny(msg, "500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "overloaded"):
		return ErrorTransient, 0
	case containsAny(msg, "connection refused", "connection reset", "timeout", "temporary failure", "network"):
		return ErrorTransient, 0
	case containsAny(msg, "401", "403", "unauthorized", "forbidden"):
		return ErrorAuth, 0
	case containsAny(msg, "400", "404", "bad request", "not found"):
		return ErrorInvalid, 0
	}
	return ErrorUnknown, 0
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// parseRetryAfter reads Retry-After (seconds) or X-RateLimit-Reset (unix
// time) from a 429 response, falling back to defaultQuotaWait.
func parseRetryAfter(apiErr *anthropic.Error) time.Duration {
	if apiErr == nil || apiErr.Response == nil {
		return defaultQuotaWait
	}
	h := apiErr.Response.Header

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
		slog.Debug("Unparseable Retry-After header", "value", v)
	}

	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return d
			}
		}
	}

	return defaultQuotaWait
}

var (
	retryInPattern    = regexp.MustCompile(`(?i)(?:try again in|wait)\s+(\d+)\s*(second|minute|hour)s?`)
	retryAfterPattern = regexp.MustCompile(`(?i)retry[_-]after"?\s*[:=]\s*(\d+)`)
)

// parseRetryAfterFromMessage extracts a wait hint from free-form error text.
func parseRetryAfterFromMessage(msg string) time.Duration {
	if m := retryInPattern.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch strings.ToLower(m[2]) {
		case "second":
			return time.Duration(n) * time.Second
		case "minute":
			return time.Duration(n) * time.Minute
		case "hour":
			return time.Duration(n) * time.Hour
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return time.Duration(n) * time.Second
	}
	return 0
}

// isRetriableError determines if an error is worth another attempt. Unknown
// errors are retried; auth and invalid-request errors are not.
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	switch t, _ := classifyError(err); t {
	case ErrorAuth, ErrorInvalid:
		return false
	default:
		return true
	}
}

// describeError formats err without touching SDK errors that lack a request.
func describeError(err error) string {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.Request == nil {
		return fmt.Sprintf("anthropic API error: status %d", apiErr.StatusCode)
	}
	return err.Error()
}

// retryWithBackoff executes fn with rate limiting, the circuit breaker and
// exponential backoff.
func (c *Client) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.concurrencySem != nil {
		if err := c.concurrencySem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer c.concurrencySem.Release(1)
	}

	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if c.circuitBreaker != nil {
			if err := c.circuitBreaker.Allow(); err != nil {
				state, failures, _ := c.circuitBreaker.GetMetrics()
				fmt.Fprintf(os.Stderr, "AI API %s blocked by circuit breaker (state=%s, failures=%d)\n",
					operation, state, failures)
				return fmt.Errorf("%s failed: %w", operation, err)
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s failed: rate limiter: %w", operation, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if c.circuitBreaker != nil {
				c.circuitBreaker.RecordSuccess()
			}
			if attempt > 0 {
				fmt.Printf("AI API %s succeeded after %d retries\n", operation, attempt)
			}
			return nil
		}

		lastErr = err
		errType, wait := classifyError(err)

		// Only transient failures count against the breaker.
		if c.circuitBreaker != nil && errType == ErrorTransient {
			c.circuitBreaker.RecordFailure()
		}

		if !isRetriableError(err) {
			fmt.Fprintf(os.Stderr, "AI API %s failed with non-retriable error: %s\n", operation, describeError(err))
			return err
		}
		if attempt == c.retry.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		delay := backoff
		if errType == ErrorQuota && wait > delay {
			delay = wait
			if delay > c.retry.MaxBackoff {
				delay = c.retry.MaxBackoff
			}
		}

		fmt.Printf("AI API %s failed (attempt %d/%d), retrying in %v: %s\n",
			operation, attempt+1, c.retry.MaxRetries+1, delay, describeError(err))

		select {
		case <-time.After(delay):
			backoff = time.Duration(float64(backoff) * c.retry.BackoffMultiplier)
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, c.retry.MaxRetries+1, lastErr)
}
