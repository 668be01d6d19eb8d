package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func retryAll(error) ErrorType { return Retryable }

func testOptions(classifier Classifier) Options {
	return Options{
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		RateLimitRetry: 10 * time.Millisecond,
		Classifier:     classifier,
	}
}

func TestCalculateBackoff(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{0, 100 * time.Millisecond, 125 * time.Millisecond},
		{1, 200 * time.Millisecond, 250 * time.Millisecond},
		{2, 400 * time.Millisecond, 500 * time.Millisecond},
		{3, 800 * time.Millisecond, 1000 * time.Millisecond},
	}

	for _, tt := range tests {
		got := calculateBackoff(base, tt.attempt)
		if got < tt.min || got > tt.max {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", tt.attempt, got, tt.min, tt.max)
		}
	}
}

func TestCalculateBackoffCap(t *testing.T) {
	// 1s << 30 would overflow the cap many times over
	got := calculateBackoff(time.Second, 30)
	limit := maxBackoff + maxBackoff/4 // cap plus full jitter
	if got > limit {
		t.Errorf("backoff %v exceeds cap+jitter %v", got, limit)
	}
}

func TestDo(t *testing.T) {
	t.Run("first try succeeds", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), testOptions(retryAll), func() error {
			calls++
			return nil
		})
		if err != nil || calls != 1 {
			t.Errorf("err=%v calls=%d, want nil and 1", err, calls)
		}
	})

	t.Run("transient errors retry to success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), testOptions(retryAll), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("err=%v calls=%d, want nil and 3", err, calls)
		}
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Do(context.Background(), testOptions(func(error) ErrorType { return Permanent }), func() error {
			calls++
			return boom
		})
		if !errors.Is(err, boom) || calls != 1 {
			t.Errorf("err=%v calls=%d, want boom and 1", err, calls)
		}
	})

	t.Run("attempts exhausted returns last error", func(t *testing.T) {
		boom := errors.New("still broken")
		calls := 0
		err := Do(context.Background(), testOptions(retryAll), func() error {
			calls++
			return boom
		})
		if !errors.Is(err, boom) || calls != 3 {
			t.Errorf("err=%v calls=%d, want boom and 3", err, calls)
		}
	})

	t.Run("context cancellation wins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, testOptions(retryAll), func() error {
			calls++
			if calls == 2 {
				cancel()
			}
			return errors.New("keep going")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err=%v, want context.Canceled", err)
		}
	})

	t.Run("rate limited uses fixed delay", func(t *testing.T) {
		classify := func(err error) ErrorType {
			if err.Error() == "throttled" {
				return RateLimited
			}
			return Permanent
		}
		calls := 0
		start := time.Now()
		err := Do(context.Background(), testOptions(classify), func() error {
			calls++
			if calls == 1 {
				return errors.New("throttled")
			}
			return nil
		})
		if err != nil || calls != 2 {
			t.Fatalf("err=%v calls=%d, want nil and 2", err, calls)
		}
		if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
			t.Errorf("elapsed %v, want at least the rate-limit delay", elapsed)
		}
	})
}

func TestDoWithResult(t *testing.T) {
	t.Run("returns the value", func(t *testing.T) {
		calls := 0
		got, err := DoWithResult(context.Background(), testOptions(retryAll), func() (int, error) {
			calls++
			if calls < 2 {
				return 0, errors.New("transient")
			}
			return 42, nil
		})
		if err != nil || got != 42 {
			t.Errorf("got=%d err=%v, want 42 and nil", got, err)
		}
	})
}

func TestInfiniteMode(t *testing.T) {
	opts := testOptions(retryAll)
	opts.MaxAttempts = 0

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), opts, func() error {
			calls++
			if calls < 5 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil || calls != 5 {
			t.Errorf("err=%v calls=%d, want nil and 5", err, calls)
		}
	})

	t.Run("permanent still stops", func(t *testing.T) {
		o := opts
		o.Classifier = func(err error) ErrorType {
			if err.Error() == "fatal" {
				return Permanent
			}
			return Retryable
		}
		calls := 0
		err := Do(context.Background(), o, func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return errors.New("fatal")
		})
		if err == nil || err.Error() != "fatal" || calls != 3 {
			t.Errorf("err=%v calls=%d, want fatal and 3", err, calls)
		}
	})

	t.Run("context bounds the loop", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
		defer cancel()
		err := Do(ctx, opts, func() error {
			return errors.New("never succeeds")
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err=%v, want context.DeadlineExceeded", err)
		}
	})
}
