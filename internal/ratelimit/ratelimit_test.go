package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, rps float64, burst int) (*TokenBucket, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	b, err := NewTokenBucket(rps, burst, mock, zerolog.Nop())
	require.NoError(t, err)
	return b, mock
}

func TestNewTokenBucket_Validation(t *testing.T) {
	tests := []struct {
		name  string
		rps   float64
		burst int
	}{
		{"zero rate", 0, 5},
		{"negative rate", -1, 5},
		{"negative burst", 10, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenBucket(tt.rps, tt.burst, clock.NewMock(), zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestNewTokenBucket_DefaultCapacity(t *testing.T) {
	b, _ := newTestBucket(t, 10.7, 0)
	assert.Equal(t, 10, b.Stats().MaxTokens)

	// Sub-1 rates still get a one-token bucket.
	b, _ = newTestBucket(t, 0.5, 0)
	assert.Equal(t, 1, b.Stats().MaxTokens)
}

func TestTokenBucket_BurstThenBlock(t *testing.T) {
	b, mock := newTestBucket(t, 5, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, b.TryAcquire(1), "acquire %d should succeed", i+1)
	}
	assert.False(t, b.TryAcquire(1), "bucket should be depleted")

	mock.Add(time.Second)
	assert.True(t, b.TryAcquire(1), "tokens should refill after one second")
}

func TestTokenBucket_RefillTruncatesFractions(t *testing.T) {
	b, mock := newTestBucket(t, 2, 0)

	require.True(t, b.TryAcquire(2))
	refillAnchor := b.Stats().LastRefill

	// 0.4s at 2/s accrues 0.8 tokens: below one token nothing commits
	// and the refill anchor stays put.
	mock.Add(400 * time.Millisecond)
	assert.Equal(t, 0, b.Available())
	assert.Equal(t, refillAnchor, b.Stats().LastRefill)

	// 0.6s more makes 1.0s from the original anchor: two whole tokens.
	mock.Add(600 * time.Millisecond)
	assert.Equal(t, 2, b.Available())
	assert.Equal(t, refillAnchor.Add(time.Second), b.Stats().LastRefill)
}

func TestTokenBucket_AcquireBlocksUntilRefill(t *testing.T) {
	b, mock := newTestBucket(t, 5, 5)
	require.True(t, b.TryAcquire(5))

	done := make(chan error, 1)
	go func() {
		done <- b.Acquire(context.Background(), 1)
	}()

	// Drive the mock clock forward until the waiter gets its token.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-deadline:
			t.Fatal("Acquire did not complete")
		default:
			time.Sleep(time.Millisecond)
			mock.Add(100 * time.Millisecond)
		}
	}
}

func TestTokenBucket_AcquireContextCanceled(t *testing.T) {
	b, _ := newTestBucket(t, 1, 1)
	require.True(t, b.TryAcquire(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Acquire(ctx, 1)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not observe cancellation")
	}
}

func TestTokenBucket_WaitTime(t *testing.T) {
	b, _ := newTestBucket(t, 5, 5)
	assert.Equal(t, time.Duration(0), b.WaitTime(1))

	require.True(t, b.TryAcquire(5))
	assert.Equal(t, 200*time.Millisecond, b.WaitTime(1))
	assert.Equal(t, time.Second, b.WaitTime(5))
}

func TestTokenBucket_Reset(t *testing.T) {
	b, _ := newTestBucket(t, 5, 5)
	require.True(t, b.TryAcquire(5))
	assert.Equal(t, 0, b.Available())

	b.Reset()
	assert.Equal(t, 5, b.Available())
}

func TestTokenBucket_Stats(t *testing.T) {
	b, _ := newTestBucket(t, 10, 10)
	require.True(t, b.TryAcquire(4))

	stats := b.Stats()
	assert.Equal(t, 10.0, stats.RequestsPerSecond)
	assert.Equal(t, 10, stats.MaxTokens)
	assert.InDelta(t, 6.0, stats.CurrentTokens, 0.0001)
	assert.InDelta(t, 40.0, stats.UtilizationPercent, 0.0001)
}
