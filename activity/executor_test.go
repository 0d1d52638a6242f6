package activity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aksrustagi/talos-sub002/retry"
)

// fastPolicy keeps test backoff in the microsecond range.
func fastPolicy(maxAttempts int) *retry.Policy {
	return &retry.Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0,
	}
}

func TestExecuteSuccess(t *testing.T) {
	calls := 0
	out, err := Execute(context.Background(), "lookup", Options{Policy: fastPolicy(3)}, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "ok" {
		t.Errorf("output = %q, want %q", out, "ok")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	out, err := Execute(context.Background(), "fetch", Options{Policy: fastPolicy(3)}, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Transientf("connection reset")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != 42 {
		t.Errorf("output = %d, want 42", out)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecuteValidationFailsFast(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), "submit", Options{Policy: fastPolicy(5)}, func(ctx context.Context) (string, error) {
		calls++
		return "", Validationf("amount must be positive")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (validation errors are not retried)", calls)
	}

	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("error %v is not an *Error", err)
	}
	if ae.Kind != KindValidation {
		t.Errorf("Kind = %q, want %q", ae.Kind, KindValidation)
	}
	if ae.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", ae.Attempt)
	}
	if ae.Activity != "submit" {
		t.Errorf("Activity = %q, want %q", ae.Activity, "submit")
	}
}

func TestExecuteAuthenticationFailsFast(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), "invoke", Options{Policy: fastPolicy(5)}, func(ctx context.Context) (string, error) {
		calls++
		return "", Authenticationf("token expired")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (authentication errors are not retried)", calls)
	}
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != KindAuthentication {
		t.Errorf("error = %v, want authentication kind", err)
	}
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), "fetch", Options{Policy: fastPolicy(3)}, func(ctx context.Context) (string, error) {
		calls++
		return "", fmt.Errorf("dial tcp: connection refused (call %d)", calls)
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (max attempts)", calls)
	}

	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("error %v is not an *Error", err)
	}
	if ae.Kind != KindExhausted {
		t.Errorf("Kind = %q, want %q", ae.Kind, KindExhausted)
	}
	if ae.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", ae.Attempt)
	}
	// The last underlying error is preserved.
	if got := ae.Err.Error(); got != "dial tcp: connection refused (call 3)" {
		t.Errorf("wrapped error = %q, want last attempt's error", got)
	}
	// Exhausted errors must not look retryable to an outer retry loop.
	if !retry.IsPermanent(err) {
		t.Error("exhausted error reported as retryable")
	}
}

func TestExecuteUnknownErrorsAreTransient(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), "fetch", Options{Policy: fastPolicy(2)}, func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("something odd")
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (unknown errors get retried)", calls)
	}
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != KindExhausted {
		t.Errorf("error = %v, want exhausted kind", err)
	}
}

func TestExecuteAttemptTimeoutIsTransient(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), "slow", Options{Policy: fastPolicy(2), Timeout: 5 * time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		<-ctx.Done()
		return "", ctx.Err()
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (attempt deadline is retryable)", calls)
	}
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != KindExhausted {
		t.Errorf("error = %v, want exhausted after retrying timeouts", err)
	}
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Execute(ctx, "fetch", Options{Policy: fastPolicy(3)}, func(ctx context.Context) (string, error) {
		calls++
		return "", nil
	})
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != KindCancelled {
		t.Errorf("error = %v, want cancelled kind", err)
	}
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &retry.Policy{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Second, // would stall the test if the cancel were ignored
		MaxDelay:     10 * time.Second,
		Multiplier:   1.0,
	}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Execute(ctx, "fetch", Options{Policy: policy}, func(ctx context.Context) (string, error) {
			calls++
			return "", Transientf("flaky")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		var ae *Error
		if !errors.As(err, &ae) || ae.Kind != KindCancelled {
			t.Errorf("error = %v, want cancelled kind", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation during backoff")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecuteCancelledDuringAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Execute(ctx, "slow", Options{Policy: fastPolicy(3)}, func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		var ae *Error
		if !errors.As(err, &ae) || ae.Kind != KindCancelled {
			t.Errorf("error = %v, want cancelled kind", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after context cancellation")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: errors.New("boom"), want: KindTransient},
		{name: "validation", err: Validationf("bad input"), want: KindValidation},
		{name: "authentication", err: Authenticationf("denied"), want: KindAuthentication},
		{name: "transient", err: Transientf("retry me"), want: KindTransient},
		{name: "wrapped validation", err: fmt.Errorf("outer: %w", Validationf("inner")), want: KindValidation},
		{name: "context cancelled", err: context.Canceled, want: KindCancelled},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	inner := errors.New("no route to host")
	e := &Error{Kind: KindTransient, Activity: "fetch-prices", Attempt: 2, Err: inner}

	want := "activity fetch-prices: transient: no route to host"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is does not reach the wrapped error")
	}

	bare := &Error{Kind: KindValidation, Err: errors.New("missing field")}
	if got := bare.Error(); got != "validation: missing field" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindValidation, false},
		{KindAuthentication, false},
		{KindExhausted, false},
		{KindCancelled, false},
	}
	for _, tt := range tests {
		e := &Error{Kind: tt.kind, Err: errors.New("x")}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
