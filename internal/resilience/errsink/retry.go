package errsink

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy defines exponential backoff behavior.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultPolicy provides sensible defaults for dependency calls.
var DefaultPolicy = Policy{
	MaxRetries: 3,
	BaseDelay:  100 * time.Millisecond,
	Multiplier: 2.0,
	MaxDelay:   30 * time.Second,
}

// Delay calculates the backoff for the given attempt (0-indexed):
// BaseDelay * Multiplier^attempt, capped at MaxDelay. No jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// WithRetry runs op under the policy: transient failures are retried with
// exponential backoff, non-transient ones surface immediately. Every failure
// is logged to the sink.
func (s *Sink) WithRetry(ctx context.Context, component, operation string, policy Policy, op func() error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		event := s.Log(component, operation, err, map[string]any{"attempt": attempt})
		if !event.Kind.IsTransient() {
			return err
		}
		if attempt == policy.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

// Guard runs op, converting panics into classified, logged errors. It is the
// transaction-safety wrapper around pipeline stage bodies.
func (s *Sink) Guard(component, operation string, op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.%s: %v", component, operation, r)
			s.Log(component, operation, err, map[string]any{"panic": true})
		}
	}()

	if err = op(); err != nil {
		s.Log(component, operation, err, nil)
	}
	return err
}
