package control

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	c := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()
	boom := errors.New("boom")

	if c.State() != CircuitClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}

	c.RecordFailure(boom, now)
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after first failure, got %s", c.State())
	}

	c.RecordFailure(boom, now)
	if c.State() != CircuitOpen {
		t.Fatalf("expected open after threshold failures, got %s", c.State())
	}

	if c.Allow(now.Add(10 * time.Millisecond)) {
		t.Fatal("expected deny while cooldown not elapsed")
	}
	if !c.Allow(now.Add(120 * time.Millisecond)) {
		t.Fatal("expected allow after cooldown")
	}
	if c.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", c.State())
	}

	c.RecordSuccess()
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after trial success, got %s", c.State())
	}
	if n, cause := c.LastFailure(); n != 0 || cause != nil {
		t.Fatalf("expected cleared streak, got %d %v", n, cause)
	}
}

func TestCircuitBreaker_SuccessBreaksStreak(t *testing.T) {
	c := NewCircuitBreaker(2, time.Second)
	now := time.Unix(1000, 0)

	c.RecordFailure(errors.New("a"), now)
	c.RecordSuccess()
	c.RecordFailure(errors.New("b"), now)
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed, non-consecutive failures, got %s", c.State())
	}
	n, cause := c.LastFailure()
	if n != 1 || cause == nil || cause.Error() != "b" {
		t.Fatalf("unexpected last failure %d %v", n, cause)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := NewCircuitBreaker(1, time.Second)
	now := time.Unix(1000, 0)

	c.RecordFailure(errors.New("first"), now)
	if c.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", c.State())
	}
	if !c.Allow(now.Add(2 * time.Second)) {
		t.Fatal("expected trial call after cooldown")
	}
	c.RecordFailure(errors.New("second"), now.Add(2*time.Second))
	if c.State() != CircuitOpen {
		t.Fatalf("expected reopened, got %s", c.State())
	}
	if n, cause := c.LastFailure(); n != 2 || cause.Error() != "second" {
		t.Fatalf("unexpected last failure %d %v", n, cause)
	}
	if c.Allow(now.Add(2500 * time.Millisecond)) {
		t.Fatal("expected deny right after reopening")
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	c := NewCircuitBreaker(0, 0)
	if c.Threshold != 5 || c.Cooldown != 30*time.Second {
		t.Fatalf("unexpected defaults threshold=%d cooldown=%s", c.Threshold, c.Cooldown)
	}
}
