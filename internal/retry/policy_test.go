package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForBounds(t *testing.T) {
	p := Default()
	for attempt := 0; attempt < 40; attempt++ {
		lo := p.Backoff(attempt)
		hi := lo + time.Duration(0.1*float64(lo))
		for i := 0; i < 50; i++ {
			d := p.DelayFor(attempt)
			require.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			require.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
		require.LessOrEqual(t, p.DelayFor(attempt), DefaultMax+DefaultMax/10)
	}
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	p := Default()
	assert.Equal(t, 60*time.Second, p.Backoff(0))
	assert.Equal(t, 120*time.Second, p.Backoff(1))
	assert.Equal(t, 480*time.Second, p.Backoff(3))
	assert.Equal(t, 900*time.Second, p.Backoff(4))
	assert.Equal(t, 900*time.Second, p.Backoff(1000))
	assert.Equal(t, 60*time.Second, p.Backoff(-3))
}

func TestDelayForMonotonic(t *testing.T) {
	lowest := New(DefaultBase, DefaultMax, WithRand(func() float64 { return 0 }))
	highest := New(DefaultBase, DefaultMax, WithRand(func() float64 { return 1 }))

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := lowest.DelayFor(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 66*time.Second, highest.DelayFor(0))
	assert.Equal(t, 990*time.Second, highest.DelayFor(10))
}

func TestShouldRetry(t *testing.T) {
	p := Default()
	assert.True(t, p.ShouldRetry(0, 3))
	assert.True(t, p.ShouldRetry(2, 3))
	assert.False(t, p.ShouldRetry(3, 3))
	assert.False(t, p.ShouldRetry(4, 3))
}

func TestZeroValueUsesDefaultRand(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, JitterFraction: 0.1}
	d := p.DelayFor(1)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.LessOrEqual(t, d, 2200*time.Millisecond)
}

func TestDefaultFirstRetryDelay(t *testing.T) {
	p := Default()
	// the first failure has attempts == 1
	assert.Equal(t, 2*DefaultBase, p.Backoff(1))
	assert.Equal(t, DefaultMax, p.Backoff(10))
}
