package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	errFlaky := errors.New("flaky")

	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	errAlways := errors.New("always")

	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errAlways
	}, WithMaxAttempts(3), WithInitialDelay(time.Millisecond))
	if !errors.Is(err, errAlways) {
		t.Fatalf("err = %v, want errAlways", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail then cancel")
	}, WithMaxAttempts(10), WithInitialDelay(time.Hour))
	if err == nil {
		t.Fatalf("expected a cancellation error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoInvokesOnRetryCallback(t *testing.T) {
	var attempts []int
	_ = Do(context.Background(), func(ctx context.Context) error {
		return errors.New("nope")
	},
		WithMaxAttempts(3),
		WithInitialDelay(time.Millisecond),
		WithMaxDelay(time.Millisecond),
		WithOnRetry(func(attempt int, err error, nextDelay time.Duration) {
			attempts = append(attempts, attempt)
		}),
	)

	// The final attempt has no retry after it.
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}
