package aof

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsBelowThreshold(t *testing.T) {
	r := NewRateLimiter()
	now := time.Unix(1000, 0)

	r.RecordFailure(now)
	r.RecordFailure(now)
	require.True(t, r.AllowAutomatic(now))
	require.Equal(t, uint32(2), r.ConsecutiveFailures())
}

func TestRateLimiterEngagesBackoffAtThreshold(t *testing.T) {
	r := NewRateLimiter()
	now := time.Unix(1000, 0)

	r.RecordFailure(now)
	r.RecordFailure(now)
	r.RecordFailure(now)
	require.False(t, r.AllowAutomatic(now))
	require.True(t, r.AllowAutomatic(now.Add(time.Hour)))
}

func TestRateLimiterDoublesBackoffOnRepeatedFailures(t *testing.T) {
	r := NewRateLimiter()
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		r.RecordFailure(now)
	}
	first := r.NextAllowed()

	r.RecordFailure(now)
	second := r.NextAllowed()

	require.True(t, second.After(first))
	require.Equal(t, 2*time.Minute, second.Sub(now))
}

func TestRateLimiterBackoffCapsAtMax(t *testing.T) {
	r := NewRateLimiter()
	now := time.Unix(1000, 0)

	for i := 0; i < 20; i++ {
		r.RecordFailure(now)
	}

	require.Equal(t, now.Add(60*time.Minute), r.NextAllowed())
}

func TestRateLimiterSuccessResetsHistory(t *testing.T) {
	r := NewRateLimiter()
	now := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		r.RecordFailure(now)
	}
	r.RecordSuccess()

	require.Equal(t, uint32(0), r.ConsecutiveFailures())
	require.True(t, r.AllowAutomatic(now))
}
