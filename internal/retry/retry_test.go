package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := fast.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := fast.Do(context.Background(), func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil || err.Error() != "always fails" {
		t.Fatalf("expected 'always fails' error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	p := fast
	p.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	p := Policy{MaxAttempts: 10, BaseDelay: 20 * time.Millisecond}
	err := p.Do(ctx, func() error {
		attempts++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts >= 10 {
		t.Fatalf("expected fewer than 10 attempts due to cancellation, got %d", attempts)
	}
}

func TestResult_Success(t *testing.T) {
	attempts := 0
	result, err := Result(context.Background(), fast, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected 'ok', got %q", result)
	}
}

func TestResult_ZeroAttemptsStillCallsOnce(t *testing.T) {
	attempts := 0
	_, _ = Result(context.Background(), Policy{}, func() (int, error) {
		attempts++
		return 0, errors.New("fail")
	})
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	expected := []time.Duration{100, 200, 400, 500, 500}
	for i, want := range expected {
		if got := p.Delay(i); got != want*time.Millisecond {
			t.Fatalf("attempt %d: expected %s, got %s", i, want*time.Millisecond, got)
		}
	}
}
