package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_SucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestRetryPolicy_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{StatusCode: 429, Err: errors.New("rate limited")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetryPolicy_NonTransientStopsImmediately(t *testing.T) {
	t.Parallel()

	permanent := errors.New("bad request")
	calls := 0
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do() = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestRetryPolicy_ExhaustionWrapsLastError(t *testing.T) {
	t.Parallel()

	calls := 0
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &TransientError{StatusCode: 529, Err: errors.New("overloaded")}
	})
	if err == nil {
		t.Fatal("Do() = nil, want error after exhausting attempts")
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
	var te *TransientError
	if !errors.As(err, &te) || te.StatusCode != 529 {
		t.Errorf("Do() = %v, want wrapped TransientError with status 529", err)
	}
}

func TestRetryPolicy_RetryAfterOverridesBackoff(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	p := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Minute, // would stall the test if the hint were ignored
		OnRetry: func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		},
	}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		return &TransientError{StatusCode: 429, RetryAfter: time.Millisecond, Err: errors.New("slow down")}
	})
	if err == nil {
		t.Fatal("Do() = nil, want exhaustion error")
	}
	if len(delays) != 2 {
		t.Fatalf("OnRetry called %d times, want 2", len(delays))
	}
	for i, d := range delays {
		if d != time.Millisecond {
			t.Errorf("delay[%d] = %v, want server hint %v", i, d, time.Millisecond)
		}
	}
}

func TestRetryPolicy_ContextCancelEndsBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return &TransientError{StatusCode: 429, Err: errors.New("rate limited")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"-1", 0},
		{"soon", 0},
	}
	for _, tc := range cases {
		if got := ParseRetryAfter(tc.header); got != tc.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}
}
