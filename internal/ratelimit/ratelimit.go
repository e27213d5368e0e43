// Package ratelimit provides token bucket rate limiting for upstream API calls.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	RequestsPerSecond  float64   `json:"requests_per_second"`
	MaxTokens          int       `json:"max_tokens"`
	CurrentTokens      float64   `json:"current_tokens"`
	LastRefill         time.Time `json:"last_refill"`
	UtilizationPercent float64   `json:"utilization_percent"`
}

// TokenBucket is a token bucket rate limiter.
//
// Refill is coarse: tokens accumulate from elapsed time but are only
// committed once at least one whole token is available. Fractional
// accumulation below one token is dropped between checks, so the
// delivered rate can run slightly under the nominal rate.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   int
	tokens     float64
	lastRefill time.Time // zero until the first refill check

	clock  clock.Clock
	logger zerolog.Logger
}

// NewTokenBucket creates a token bucket limiter.
//
// burstCapacity bounds the bucket size; when zero it defaults to
// floor(requestsPerSecond), with a minimum of one token.
func NewTokenBucket(requestsPerSecond float64, burstCapacity int, clk clock.Clock, logger zerolog.Logger) (*TokenBucket, error) {
	if requestsPerSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: requests per second must be positive, got %v", requestsPerSecond)
	}
	if burstCapacity < 0 {
		return nil, fmt.Errorf("ratelimit: burst capacity must not be negative, got %d", burstCapacity)
	}
	if burstCapacity == 0 {
		burstCapacity = int(requestsPerSecond)
	}
	if burstCapacity < 1 {
		burstCapacity = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenBucket{
		rate:     requestsPerSecond,
		capacity: burstCapacity,
		tokens:   float64(burstCapacity),
		clock:    clk,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
	}, nil
}

// Acquire blocks until n tokens are available, then consumes them.
//
// The wait is computed from the current deficit and the current rate;
// after every sleep the bucket is refilled and re-checked, since the
// rate may have changed and one sleep need not cover the deficit.
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.logger.Debug().Int("acquired", n).Float64("remaining", b.tokens).Msg("tokens acquired")
			b.mu.Unlock()
			return nil
		}
		needed := float64(n) - b.tokens
		wait := time.Duration(needed / b.rate * float64(time.Second))
		b.mu.Unlock()

		b.logger.Debug().Dur("wait", wait).Float64("tokens_needed", needed).Msg("rate limit exceeded, waiting")

		timer := b.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// TryAcquire consumes n tokens if available without blocking.
func (b *TokenBucket) TryAcquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Available returns the number of whole tokens currently held.
func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return int(b.tokens)
}

// WaitTime reports how long Acquire(n) would block right now.
func (b *TokenBucket) WaitTime(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= float64(n) {
		return 0
	}
	return time.Duration((float64(n) - b.tokens) / b.rate * float64(time.Second))
}

// Reset restores the bucket to full capacity.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = float64(b.capacity)
	b.lastRefill = b.clock.Now()
	b.logger.Info().Msg("rate limiter reset to full capacity")
}

// Stats returns a snapshot of the limiter state.
func (b *TokenBucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		RequestsPerSecond:  b.rate,
		MaxTokens:          b.capacity,
		CurrentTokens:      b.tokens,
		LastRefill:         b.lastRefill,
		UtilizationPercent: (float64(b.capacity) - b.tokens) / float64(b.capacity) * 100,
	}
}

// refill commits whole tokens accrued since the last refill.
// Callers must hold b.mu.
//
// Additions below one token are discarded: lastRefill only advances
// on commit, so short elapses keep accumulating against the same
// reference point until they amount to a whole token.
func (b *TokenBucket) refill() {
	if b.tokens > float64(b.capacity) {
		// Capacity may have shrunk under adaptive control.
		b.tokens = float64(b.capacity)
	}

	now := b.clock.Now()
	if b.lastRefill.IsZero() {
		b.lastRefill = now
		return
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	tokensToAdd := elapsed * b.rate
	if tokensToAdd < 1 {
		return
	}

	b.tokens = math.Min(float64(b.capacity), b.tokens+math.Floor(tokensToAdd))
	b.lastRefill = now
}
