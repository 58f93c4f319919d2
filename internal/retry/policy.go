// Package retry computes backoff delays between execution attempts.
package retry

import (
	"math/rand"
	"time"
)

const (
	DefaultBase           = 60 * time.Second
	DefaultMax            = 900 * time.Second
	DefaultJitterFraction = 0.1
)

// Policy is exponential backoff with a ceiling and additive jitter.
// The zero value is not useful; use New or Default.
type Policy struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64

	rand func() float64
}

type Option func(*Policy)

// WithRand replaces the jitter source. f must return values in [0, 1].
func WithRand(f func() float64) Option {
	return func(p *Policy) { p.rand = f }
}

func WithJitterFraction(f float64) Option {
	return func(p *Policy) { p.JitterFraction = f }
}

func New(base, max time.Duration, opts ...Option) Policy {
	p := Policy{Base: base, Max: max, JitterFraction: DefaultJitterFraction, rand: rand.Float64}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func Default() Policy {
	return New(DefaultBase, DefaultMax)
}

// Backoff returns min(Base*2^attempt, Max) without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// DelayFor is Backoff plus uniform jitter in [0, JitterFraction*Backoff].
func (p Policy) DelayFor(attempt int) time.Duration {
	d := p.Backoff(attempt)
	r := p.rand
	if r == nil {
		r = rand.Float64
	}
	return d + time.Duration(r()*p.JitterFraction*float64(d))
}

// ShouldRetry reports whether another attempt is allowed.
func (p Policy) ShouldRetry(attempts, maxAttempts int) bool {
	return attempts < maxAttempts
}
