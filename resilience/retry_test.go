package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), fastRetry(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("result = %q after %d calls, want ok after 3", result, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still broken")
	_, err := Retry(context.Background(), fastRetry(3), func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryIfShortCircuits(t *testing.T) {
	calls := 0
	fatal := errors.New("permission denied")
	cfg := fastRetry(3)
	cfg.RetryIf = func(err error) bool { return !errors.Is(err, fatal) }

	_, err := Retry(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries on non-retryable)", calls)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(10)
	cfg.InitialBackoff = 50 * time.Millisecond

	calls := 0
	start := time.Now()
	_, err := Retry(ctx, cfg, func() (int, error) {
		calls++
		cancel() // cancel mid-backoff
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %s, backoff wait not context-aware", elapsed)
	}
}

func TestRetryOnRetryCallback(t *testing.T) {
	var backoffs []time.Duration
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2.0,
		OnRetry: func(_ int, _ error, backoff time.Duration) {
			backoffs = append(backoffs, backoff)
		},
	}
	_, _ = Retry(context.Background(), cfg, func() (int, error) {
		return 0, errors.New("transient")
	})
	if len(backoffs) != 2 {
		t.Fatalf("OnRetry fired %d times, want 2", len(backoffs))
	}
	// Exponential doubling without jitter.
	if backoffs[0] != time.Millisecond || backoffs[1] != 2*time.Millisecond {
		t.Errorf("backoffs = %v, want [1ms 2ms]", backoffs)
	}
}

func TestBulkheadLimitsConcurrency(t *testing.T) {
	b := NewBulkhead("test", 2)
	if !b.TryAcquire() || !b.TryAcquire() {
		t.Fatal("two slots should be available")
	}
	if b.TryAcquire() {
		t.Fatal("third TryAcquire should fail")
	}
	if got := b.InFlight(); got != 2 {
		t.Errorf("InFlight = %d, want 2", got)
	}
	b.Release()
	if !b.TryAcquire() {
		t.Error("slot not reusable after Release")
	}
}

func TestBulkheadAcquireRespectsContext(t *testing.T) {
	b := NewBulkhead("test", 1)
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked acquire err = %v, want deadline exceeded", err)
	}
}

func TestBulkheadTryExecute(t *testing.T) {
	b := NewBulkhead("test", 1)
	if !b.TryAcquire() {
		t.Fatal("slot should be available")
	}
	if err := b.TryExecute(func() error { return nil }); !errors.Is(err, ErrBulkheadFull) {
		t.Fatalf("err = %v, want ErrBulkheadFull", err)
	}
	b.Release()
	if err := b.TryExecute(func() error { return nil }); err != nil {
		t.Fatalf("TryExecute after release: %v", err)
	}
}
