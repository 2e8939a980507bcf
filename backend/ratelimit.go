package backend

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a process-local, adaptive token bucket in
// front of a Client: it estimates the token cost of each turn, blocks the
// caller until capacity is available, and shrinks its effective budget when
// the provider signals rate limiting, recovering it gradually afterward.
//
// Grounded on features/model/middleware.AdaptiveRateLimiter, trimmed to its
// process-local path: the teacher's cluster-coordinated variant depends on
// goa.design/pulse's replicated map, which this module has no cluster
// coordinator to pair it with (see DESIGN.md).
type RateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewRateLimiter constructs a RateLimiter with an initial and maximum
// tokens-per-minute budget. Call sites shared by concurrently running agents
// against the same provider account should share one RateLimiter instance.
func NewRateLimiter(initialTPM, maxTPM float64) *RateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	return &RateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: 1.1,
	}
}

// Wait blocks until estimatedTokens of budget are available or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context, estimatedTokens int) error {
	return l.limiter.WaitN(ctx, estimatedTokens)
}

// ReportThrottled halves the current tokens-per-minute budget in response
// to a provider rate-limit signal, never going below minTPM.
func (l *RateLimiter) ReportThrottled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentTPM /= 2
	if l.currentTPM < l.minTPM {
		l.currentTPM = l.minTPM
	}
	l.limiter.SetLimit(rate.Limit(l.currentTPM / 60))
}

// ReportSuccess multiplies the current tokens-per-minute budget by
// recoveryRate (1.1) after a successful call, capped at maxTPM.
func (l *RateLimiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentTPM *= l.recoveryRate
	if l.currentTPM > l.maxTPM {
		l.currentTPM = l.maxTPM
	}
	l.limiter.SetLimit(rate.Limit(l.currentTPM / 60))
}
