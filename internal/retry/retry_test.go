package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func quickPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		Delay:       time.Millisecond,
		Backoff:     "fixed",
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quickPolicy(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quickPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quickPolicy(3), func() error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() error = %v, want %v", err, errBoom)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (total attempts)", calls)
	}
}

func TestDoZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func() error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() error = %v, want %v", err, errBoom)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithResultReturnsValue(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), quickPolicy(3), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errBoom
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestDoContextCancellationAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	calls := 0
	p := Policy{MaxAttempts: 5, Delay: time.Minute, Backoff: "fixed"}
	err := Do(ctx, p, func() error {
		calls++
		return errBoom
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicyNextExponential(t *testing.T) {
	p := Policy{Backoff: "exponential", Multiplier: 2.0, MaxDelay: 25 * time.Millisecond}

	d := 10 * time.Millisecond
	want := []time.Duration{20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}
	for i, w := range want {
		d = p.next(d)
		if d != w {
			t.Fatalf("next #%d = %v, want %v", i+1, d, w)
		}
	}
}

func TestPolicyNextFixed(t *testing.T) {
	p := Policy{Backoff: "fixed", Multiplier: 2.0}
	if got := p.next(10 * time.Millisecond); got != 10*time.Millisecond {
		t.Errorf("next() = %v, want unchanged 10ms", got)
	}
}

func TestApplyJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	lo, hi := 50*time.Millisecond, 150*time.Millisecond
	for i := 0; i < 200; i++ {
		d := applyJitter(base, 0.5)
		if d < lo || d > hi {
			t.Fatalf("applyJitter() = %v, want within [%v, %v]", d, lo, hi)
		}
	}
}

func TestApplyJitterZeroFactor(t *testing.T) {
	if got := applyJitter(100*time.Millisecond, 0); got != 100*time.Millisecond {
		t.Errorf("applyJitter(_, 0) = %v, want unchanged", got)
	}
}
