package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("upstream 503")
	calls := 0
	err := Do(context.Background(), Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want wrapped %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, DefaultPolicy(), func(ctx context.Context) error {
		return errors.New("should not matter")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCircuitBreakerTripsAndProbes(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 20*time.Millisecond)
	fail := errors.New("boom")

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("breaker rejected call %d before tripping", i)
		}
		cb.Record(fail)
	}

	if cb.Allow() {
		t.Fatal("breaker should reject immediately after tripping")
	}
	if !cb.IsOpen() {
		t.Fatal("IsOpen should report true during cooldown")
	}

	time.Sleep(25 * time.Millisecond)

	// First call after cooldown is the single probe.
	if !cb.Allow() {
		t.Fatal("breaker should admit one probe after cooldown")
	}
	// A second concurrent call must not pass while the probe is pending.
	if cb.Allow() {
		t.Fatal("breaker admitted a second call during probe")
	}

	cb.Record(nil)
	if !cb.Allow() {
		t.Fatal("breaker should be closed after successful probe")
	}
}

func TestCircuitBreakerFailedProbeRestartsCooldown(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 15*time.Millisecond)
	cb.Record(errors.New("boom"))

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("probe should be admitted")
	}
	cb.Record(errors.New("still down"))

	if cb.Allow() {
		t.Fatal("failed probe should restart cooldown")
	}
}

func TestCircuitBreakerCallWrapper(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)
	if err := cb.Call(func() error { return errors.New("boom") }); err == nil {
		t.Fatal("expected error")
	}
	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}
