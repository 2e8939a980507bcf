package backend

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// RetryPolicy bounds the internal retry loop each adapter wraps around the
// call that establishes a provider stream (§4.1: "transient network errors
// are retried internally up to a small bound with exponential backoff;
// persistent failure surfaces as TurnEnd(Error)").
//
// Grounded on runtime/agent/engine.RetryPolicy's three-field shape, trimmed
// to what a single bounded retry loop needs (the teacher's engine also lets
// MaxAttempts of 0 mean "unlimited", a policy this module never wants for a
// synchronous stream-start call).
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
}

// DefaultRetryPolicy is applied by every backend/* adapter: three attempts
// total (the initial try plus two retries), matching §7's PermanentBackend
// default of tolerating transient noise well short of a full agent failure.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:        3,
	InitialInterval:    500 * time.Millisecond,
	BackoffCoefficient: 2,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 1
	}
	return p
}

// statusCoder is satisfied by SDK error types that expose an HTTP status
// code without this package needing to import every provider SDK's concrete
// error type.
type statusCoder interface{ StatusCode() int }

// IsTransient classifies err as a retry-worthy provider failure: a request
// timeout, or an HTTP 429/5xx reported through a statusCoder. Anything else,
// including context.Canceled, is treated as permanent so the caller's own
// cancellation handling is never shadowed by a retry.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.StatusCode()
		if status == 429 || (status >= 500 && status < 600) {
			return true
		}
	}
	return false
}

// StartStreamWithRetry runs start, retrying with exponential backoff (plus
// jitter) whenever classify reports the returned error as transient, up to
// policy.MaxAttempts total attempts. The first permanent error, or the last
// transient one once the budget is exhausted, is returned so the caller
// applies its own error-wrapping convention on top.
func StartStreamWithRetry(ctx context.Context, policy RetryPolicy, classify func(error) bool, start func() (Streamer, error)) (Streamer, error) {
	policy = policy.withDefaults()

	interval := policy.InitialInterval
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		streamer, err := start()
		if err == nil {
			return streamer, nil
		}
		lastErr = err
		if !classify(err) || attempt == policy.MaxAttempts {
			return nil, err
		}

		jittered := time.Duration(float64(interval) * (0.5 + rand.Float64()))
		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		interval = time.Duration(float64(interval) * policy.BackoffCoefficient)
	}
	return nil, lastErr
}
