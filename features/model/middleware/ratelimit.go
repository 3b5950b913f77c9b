// Package middleware provides reusable model.Client middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/finsight-ai/finsight/runtime/model"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top
	// of a model.Client. It estimates the token cost of each request, blocks
	// callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget in response to rate limiting signals from the
	// provider.
	//
	// The limiter is process-local and sits at the provider client boundary:
	// construct a single instance per process and wrap the underlying
	// model.Client with Middleware before passing it to the pipeline.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		lastBackoff time.Time
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}
)

// backoffFactor halves the budget on a provider rate limit signal;
// probeFactor grows it again once calls succeed and the cooldown has passed.
const (
	backoffFactor   = 0.5
	probeFactor     = 1.1
	probeCooldown   = 30 * time.Second
	minBudgetShare  = 0.1
	tokensPerRune   = 0.25
	baseRequestCost = 200
)

// NewAdaptiveRateLimiter constructs a limiter with an initial tokens-per-
// minute budget and an upper bound. When maxTPM is zero or below initialTPM
// it is clamped to initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 1
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &AdaptiveRateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(initialTPM/60), int(initialTPM)),
		currentTPM: initialTPM,
		minTPM:     initialTPM * minBudgetShare,
		maxTPM:     maxTPM,
	}
}

// Middleware wraps next with the limiter.
func (l *AdaptiveRateLimiter) Middleware(next model.Client) model.Client {
	return &limitedClient{next: next, limiter: l}
}

// TokensPerMinute returns the current effective budget.
func (l *AdaptiveRateLimiter) TokensPerMinute() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (c *limitedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	cost := estimateCost(req)
	if err := c.limiter.wait(ctx, cost); err != nil {
		return model.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			c.limiter.backoff()
		}
		return model.Response{}, err
	}
	c.limiter.probe()
	return resp, nil
}

// wait blocks until cost tokens are available or the context is done. Costs
// above the bucket size are clamped so oversized requests still pass through
// a full bucket rather than deadlocking.
func (l *AdaptiveRateLimiter) wait(ctx context.Context, cost int) error {
	l.mu.Lock()
	burst := l.limiter.Burst()
	l.mu.Unlock()
	if cost > burst {
		cost = burst
	}
	return l.limiter.WaitN(ctx, cost)
}

// backoff applies the multiplicative decrease after a provider rate limit.
func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentTPM *= backoffFactor
	if l.currentTPM < l.minTPM {
		l.currentTPM = l.minTPM
	}
	l.lastBackoff = time.Now()
	l.apply()
}

// probe grows the budget again after successful calls, but not while still
// inside the post-backoff cooldown.
func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentTPM >= l.maxTPM {
		return
	}
	if time.Since(l.lastBackoff) < probeCooldown {
		return
	}
	l.currentTPM *= probeFactor
	if l.currentTPM > l.maxTPM {
		l.currentTPM = l.maxTPM
	}
	l.apply()
}

func (l *AdaptiveRateLimiter) apply() {
	l.limiter.SetLimit(rate.Limit(l.currentTPM / 60))
	burst := int(l.currentTPM)
	if burst < 1 {
		burst = 1
	}
	l.limiter.SetBurst(burst)
}

// estimateCost approximates the token cost of a request from its text volume
// plus a fixed overhead for the completion.
func estimateCost(req model.Request) int {
	runes := 0
	for _, m := range req.Messages {
		runes += utf8.RuneCountInString(m.Content)
	}
	cost := baseRequestCost + int(float64(runes)*tokensPerRune)
	if req.MaxTokens > 0 {
		cost += req.MaxTokens / 2
	}
	return cost
}
