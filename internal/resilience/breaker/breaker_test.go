package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// advanceClock installs a fake clock on the breaker and returns a function
// that moves it forward.
func advanceClock(b *Breaker) func(time.Duration) {
	var mu sync.Mutex
	now := time.Now()
	b.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("postgres", 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected wrapped error, got %v", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after 3 failures, got %s", b.State())
	}

	// Open breaker rejects without invoking the operation.
	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("operation must not run while breaker is open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("postgres", 3, time.Minute)

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	if b.FailureCount() != 2 {
		t.Fatalf("expected failure count 2, got %d", b.FailureCount())
	}

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.FailureCount() != 0 {
		t.Errorf("expected failure count reset to 0, got %d", b.FailureCount())
	}
	if b.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", b.State())
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := New("redis", 1, time.Minute)
	advance := advanceClock(b)

	b.Do(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	// Not yet eligible.
	advance(30 * time.Second)
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen before open timeout, got %v", err)
	}

	// Eligible: probe succeeds, breaker closes.
	advance(31 * time.Second)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected CLOSED after successful probe, got %s", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New("redis", 1, time.Minute)
	advance := advanceClock(b)

	b.Do(func() error { return errBoom })
	advance(2 * time.Minute)

	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after failed probe, got %s", b.State())
	}

	// The failed probe reset the timer: still rejecting before a full timeout.
	advance(30 * time.Second)
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, timer should have reset, got %v", err)
	}
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	b := New("inference", 1, time.Minute)
	advance := advanceClock(b)

	b.Do(func() error { return errBoom })
	advance(2 * time.Minute)

	var invoked int32
	release := make(chan struct{})
	probeStarted := make(chan struct{})

	go func() {
		b.Do(func() error {
			atomic.AddInt32(&invoked, 1)
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted

	// Concurrent callers during the in-flight probe are all rejected.
	var wg sync.WaitGroup
	rejected := int32(0)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Do(func() error {
				atomic.AddInt32(&invoked, 1)
				return nil
			})
			if errors.Is(err, ErrOpen) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()
	close(release)

	if got := atomic.LoadInt32(&rejected); got != 10 {
		t.Errorf("expected 10 rejections during probe, got %d", got)
	}
	if got := atomic.LoadInt32(&invoked); got != 1 {
		t.Errorf("expected exactly 1 probe invocation, got %d", got)
	}
}
