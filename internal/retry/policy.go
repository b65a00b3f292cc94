// Package retry provides a bounded exponential backoff policy shared by the
// stream reconnect loop and the execution engine's brokerage calls.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

// Policy describes bounded exponential backoff: attempt n (0-based) waits
// min(Base*2^n, Cap), and MaxAttempts caps how many tries are made.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy suits short-lived brokerage calls.
var DefaultPolicy = Policy{
	Base:        1 * time.Second,
	Cap:         30 * time.Second,
	MaxAttempts: 3,
}

// Delay returns the backoff delay before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

// Jittered returns Delay(attempt) plus up to 25% random jitter, so parallel
// retriers don't synchronize against the same endpoint.
func (p Policy) Jittered(attempt int) time.Duration {
	d := p.Delay(attempt)
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		log.Printf("Failed to generate jitter: %v", err)
		return d
	}
	return d + time.Duration(jitterVal.Int64())
}

// Do runs fn up to MaxAttempts times, sleeping the policy delay between
// attempts. Non-transient errors abort immediately; context cancellation
// aborts the wait.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("operation canceled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(p.Jittered(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// IsTransient reports whether an error looks like a temporary network or
// server condition worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
