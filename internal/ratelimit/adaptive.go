package ratelimit

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const maxResponseHistory = 100

// ResponseSample records the outcome of one upstream call.
type ResponseSample struct {
	Timestamp    time.Time
	StatusCode   int
	ResponseTime time.Duration
	IsError      bool
}

// AdaptationStats extends Stats with feedback-loop state.
type AdaptationStats struct {
	Stats
	RecentResponses  int     `json:"recent_responses_count"`
	RecentErrors     int     `json:"recent_error_count"`
	RecentErrorRate  float64 `json:"recent_error_rate"`
	AvgResponseTime  float64 `json:"avg_response_time"`
	MinRate          float64 `json:"min_rate"`
	MaxRate          float64 `json:"max_rate"`
	AdaptationFactor float64 `json:"adaptation_factor"`
}

// AdaptiveLimiter is a token bucket whose rate follows reported
// upstream outcomes. It never observes HTTP itself; callers report
// each response through RecordResponse.
type AdaptiveLimiter struct {
	*TokenBucket

	minRate float64
	maxRate float64
	factor  float64
	recent  []ResponseSample
}

// NewAdaptiveLimiter creates an adaptive limiter starting at
// initialRate, adjusting within [minRate, maxRate]. adaptationFactor
// must be below 0.5: the 429 rule scales the rate by 1-2f, which stops
// being a positive multiplier at 0.5.
func NewAdaptiveLimiter(initialRate, minRate, maxRate, adaptationFactor float64, clk clock.Clock, logger zerolog.Logger) (*AdaptiveLimiter, error) {
	if minRate <= 0 {
		return nil, fmt.Errorf("ratelimit: min rate must be positive, got %v", minRate)
	}
	if maxRate < minRate {
		return nil, fmt.Errorf("ratelimit: max rate %v must not be below min rate %v", maxRate, minRate)
	}
	if adaptationFactor <= 0 || adaptationFactor >= 0.5 {
		return nil, fmt.Errorf("ratelimit: adaptation factor must be in (0, 0.5), got %v", adaptationFactor)
	}
	bucket, err := NewTokenBucket(initialRate, 0, clk, logger)
	if err != nil {
		return nil, err
	}
	return &AdaptiveLimiter{
		TokenBucket: bucket,
		minRate:     minRate,
		maxRate:     maxRate,
		factor:      adaptationFactor,
	}, nil
}

// RecordResponse feeds one upstream outcome into the adaptation loop.
// The oldest sample is evicted once the history holds 100 entries.
func (a *AdaptiveLimiter) RecordResponse(statusCode int, responseTime time.Duration, isError bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.recent = append(a.recent, ResponseSample{
		Timestamp:    a.clock.Now(),
		StatusCode:   statusCode,
		ResponseTime: responseTime,
		IsError:      isError,
	})
	if len(a.recent) > maxResponseHistory {
		a.recent = a.recent[1:]
	}

	a.adjustRate(statusCode, responseTime, isError)
}

// adjustRate applies the first matching rule to the current rate.
// Callers must hold a.mu.
func (a *AdaptiveLimiter) adjustRate(statusCode int, responseTime time.Duration, isError bool) {
	oldRate := a.rate
	var newRate float64

	switch {
	case statusCode == 429:
		newRate = a.rate * (1 - a.factor*2)
	case isError:
		newRate = a.rate * (1 - a.factor)
	case responseTime > 5*time.Second:
		newRate = a.rate * (1 - a.factor*0.5)
	case statusCode == 200 && responseTime < time.Second:
		newRate = a.rate * (1 + a.factor*0.2)
	default:
		return
	}

	newRate = max(a.minRate, min(a.maxRate, newRate))
	if newRate == oldRate {
		return
	}

	a.rate = newRate
	a.capacity = int(newRate)
	if a.capacity < 1 {
		a.capacity = 1
	}

	a.logger.Info().
		Float64("old_rate", oldRate).
		Float64("new_rate", newRate).
		Int("status", statusCode).
		Dur("response_time", responseTime).
		Msg("adjusted rate limit")
}

// AdaptationStats returns limiter stats together with the response
// history summary.
func (a *AdaptiveLimiter) AdaptationStats() AdaptationStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := AdaptationStats{
		Stats: Stats{
			RequestsPerSecond:  a.rate,
			MaxTokens:          a.capacity,
			CurrentTokens:      a.tokens,
			LastRefill:         a.lastRefill,
			UtilizationPercent: (float64(a.capacity) - a.tokens) / float64(a.capacity) * 100,
		},
		RecentResponses:  len(a.recent),
		MinRate:          a.minRate,
		MaxRate:          a.maxRate,
		AdaptationFactor: a.factor,
	}

	if len(a.recent) > 0 {
		var errors int
		var totalTime time.Duration
		for _, s := range a.recent {
			if s.IsError {
				errors++
			}
			totalTime += s.ResponseTime
		}
		stats.RecentErrors = errors
		stats.RecentErrorRate = float64(errors) / float64(len(a.recent))
		stats.AvgResponseTime = totalTime.Seconds() / float64(len(a.recent))
	}

	return stats
}
