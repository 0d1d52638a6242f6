package activity

import (
	"context"
	"errors"
	"time"

	"github.com/aksrustagi/talos-sub002/retry"
)

// DefaultTimeout bounds a single attempt when Options.Timeout is unset.
const DefaultTimeout = 5 * time.Minute

// Options configure an activity execution.
type Options struct {
	// Policy controls retries. Defaults to retry.Default().
	Policy *retry.Policy

	// Timeout bounds each individual attempt. Defaults to DefaultTimeout.
	// An attempt that runs out its timeout counts as a transient failure.
	Timeout time.Duration
}

// Execute runs fn until it succeeds, fails permanently, or exhausts the
// retry budget. Each attempt gets its own deadline derived from ctx.
//
// Validation and authentication failures return after exactly one
// attempt. Transient failures are retried with the policy's backoff; if
// the budget runs out the returned error has KindExhausted and wraps
// the last transient error. Cancellation of ctx, during an attempt or
// between attempts, returns a KindCancelled error.
func Execute[T any](ctx context.Context, name string, opts Options, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	policy := opts.Policy
	if policy == nil {
		policy = retry.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, annotate(KindCancelled, name, attempt, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return out, nil
		}

		// Distinguish the attempt deadline expiring (transient, fn gets
		// another chance) from the caller's context ending (terminal).
		if ctx.Err() != nil {
			return zero, annotate(KindCancelled, name, attempt, err)
		}

		switch Classify(err) {
		case KindValidation:
			return zero, annotate(KindValidation, name, attempt, err)
		case KindAuthentication:
			return zero, annotate(KindAuthentication, name, attempt, err)
		case KindCancelled:
			return zero, annotate(KindCancelled, name, attempt, err)
		}

		if !policy.ShouldRetry(attempt, err) {
			return zero, annotate(KindExhausted, name, attempt, err)
		}

		timer := time.NewTimer(policy.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, annotate(KindCancelled, name, attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// annotate wraps err with kind, activity name, and attempt number. When
// err is already a classified error of the same kind, it is stamped
// rather than wrapped again, so messages don't nest the kind twice.
func annotate(kind Kind, name string, attempt int, err error) *Error {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == kind {
		stamped := *ae
		if stamped.Activity == "" {
			stamped.Activity = name
		}
		stamped.Attempt = attempt
		return &stamped
	}
	return &Error{Kind: kind, Activity: name, Attempt: attempt, Err: err}
}
