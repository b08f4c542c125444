// Package breaker implements a per-dependency circuit breaker.
//
// Each external dependency (postgres, the embedded store, redis, the
// inference service) gets its own Breaker instance; they are fully
// independent of each other.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/metrics"
)

// ErrOpen is returned without invoking the wrapped operation while the
// breaker is open. Callers can errors.Is-check it to special-case fast fails.
var ErrOpen = errors.New("circuit breaker open")

// State represents the breaker state machine position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Breaker wraps a fallible operation against one dependency.
type Breaker struct {
	name        string
	threshold   int
	openTimeout time.Duration

	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time
	probing      bool // a half-open probe is in flight

	now func() time.Time // overridable for tests
}

// New creates a closed breaker for the named dependency.
func New(name string, threshold int, openTimeout time.Duration) *Breaker {
	b := &Breaker{
		name:        name,
		threshold:   threshold,
		openTimeout: openTimeout,
		state:       StateClosed,
		now:         time.Now,
	}
	b.publishState()
	return b
}

// Do runs op through the breaker. While open and not yet eligible to probe it
// returns ErrOpen without calling op. In half-open exactly one probe is
// admitted; concurrent callers get ErrOpen until the probe settles.
func (b *Breaker) Do(op func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op()
	b.settle(err)
	return err
}

// admit decides whether a call may proceed, transitioning OPEN -> HALF_OPEN
// when the open timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.openTimeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.publishState()
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	if err == nil {
		b.failureCount = 0
		b.state = StateClosed
		b.publishState()
		return
	}

	b.failureCount++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failureCount >= b.threshold {
		b.state = StateOpen
	}
	b.publishState()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Name returns the dependency name this breaker protects.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker closed and clears its failure count. Used by the
// recovery controller after remediating the underlying dependency.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.probing = false
	b.publishState()
}

func (b *Breaker) publishState() {
	var v float64
	switch b.state {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(v)
}
