package redis

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

var errFail = errors.New("fail")

func newTestBreaker(max int) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)}
	return NewCircuitBreaker(max, 10*time.Second).WithClock(clk.now), clk
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.CurrentState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	cb, clk := newTestBreaker(2)
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	clk.t = clk.t.Add(11 * time.Second)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to pass, got %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed after probe, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(2)
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	clk.t = clk.t.Add(11 * time.Second)
	cb.Execute(func() error { return errFail })
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", cb.CurrentState())
	}

	// The reset window restarts from the failed probe.
	clk.t = clk.t.Add(5 * time.Second)
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected still open, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3)
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	var got []State
	cb, clk := newTestBreaker(1)
	cb.OnStateChange = func(_, to State) { got = append(got, to) }

	cb.Execute(func() error { return errFail })
	clk.t = clk.t.Add(time.Minute)
	cb.Execute(func() error { return nil })

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}
