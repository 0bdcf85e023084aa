package recovery

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{})
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, Timeout: time.Hour})
	failing := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := b.Call(func() error { return failing }); err != failing {
			t.Fatalf("attempt %d: err = %v, want failing", i, err)
		}
		if b.State() != Closed {
			t.Fatalf("attempt %d: state = %v, want still Closed", i, b.State())
		}
	}

	if err := b.Call(func() error { return failing }); err != failing {
		t.Fatalf("third failure: err = %v, want failing", err)
	}
	if b.State() != Open {
		t.Fatalf("state after threshold = %v, want Open", b.State())
	}
}

func TestCircuitBreaker_OpenRejectsWithoutCallingFn(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	_ = b.Call(func() error { return errors.New("boom") })
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	called := false
	err := b.Call(func() error { called = true; return nil })
	if err != ErrCircuitOpen {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn should not be invoked while breaker is open and not timed out")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond, SuccessThreshold: 2})
	_ = b.Call(func() error { return errors.New("boom") })
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("half-open trial: err = %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state after one success = %v, want HalfOpen (needs 2)", b.State())
	}

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("second half-open trial: err = %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state after SuccessThreshold successes = %v, want Closed", b.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	_ = b.Call(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	failing := errors.New("still broken")
	if err := b.Call(func() error { return failing }); err != failing {
		t.Fatalf("half-open probe: err = %v, want failing", err)
	}
	if b.State() != Open {
		t.Fatalf("state after half-open failure = %v, want Open again", b.State())
	}
}

func TestCircuitBreaker_PanicCountsAsFailureAndRepanics(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected Call to re-panic")
			}
		}()
		_ = b.Call(func() error { panic("kaboom") })
	}()

	if b.State() != Open {
		t.Fatalf("state after panic = %v, want Open", b.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1})
	_ = b.Call(func() error { return errors.New("boom") })
	if b.State() != Open {
		t.Fatal("precondition: breaker should be open")
	}

	b.Reset()
	if b.State() != Closed {
		t.Fatalf("state after Reset = %v, want Closed", b.State())
	}

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2})
	_ = b.Call(func() error { return errors.New("one") })
	_ = b.Call(func() error { return nil })
	_ = b.Call(func() error { return errors.New("two") })

	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed (success should reset the streak)", b.State())
	}
}
