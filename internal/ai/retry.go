package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is failing fast.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryConfig bounds how hard we hammer the provider.
type RetryConfig struct {
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Timeout          time.Duration // per-request
	FailureThreshold int           // consecutive failures before opening
	OpenTimeout      time.Duration // how long to fail fast before probing
	MaxConcurrent    int           // simultaneous provider calls
}

// DefaultRetryConfig matches the provider's published guidance: short
// exponential backoff, fail fast after repeated failures.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:       3,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		MaxConcurrent:    3,
	}
}

// breaker is a minimal three-state circuit breaker. One probe is let
// through after OpenTimeout; its result decides whether the circuit closes.
type breaker struct {
	mu        sync.Mutex
	open      bool
	probing   bool
	failures  int
	threshold int
	timeout   time.Duration
	openedAt  time.Time
}

func newBreaker(threshold int, timeout time.Duration) *breaker {
	return &breaker{threshold: threshold, timeout: timeout}
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	if time.Since(b.openedAt) > b.timeout && !b.probing {
		b.probing = true // half-open: let one request probe
		return nil
	}
	return ErrCircuitOpen
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.probing = false
	b.failures = 0
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.failures >= b.threshold {
		if !b.open {
			fmt.Fprintf(os.Stderr, "Warning: AI circuit breaker opened after %d failures\n", b.failures)
		}
		b.open = true
		b.openedAt = time.Now()
	}
}

// withRetry runs fn under the semaphore, the breaker, a per-request timeout,
// and exponential backoff.
func (c *Client) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire AI slot for %s: %w", operation, err)
		}
		defer c.sem.Release(1)
	}

	backoff := c.retry.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.breaker.allow(); err != nil {
			return fmt.Errorf("%s: %w", operation, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			c.breaker.recordSuccess()
			return nil
		}
		c.breaker.recordFailure()
		lastErr = err

		if attempt == c.retry.MaxRetries || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.retry.MaxBackoff {
			backoff = c.retry.MaxBackoff
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, c.retry.MaxRetries+1, lastErr)
}
