// Package retry decides whether and when a failed delivery is attempted again.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/kalambet/shareq/internal/delivery"
)

const (
	DefaultMaxRetries = 3
	DefaultBase       = 2 * time.Second
	DefaultCap        = 60 * time.Second
	DefaultJitter     = 0.2
)

// Policy is stateless apart from its parameters and random source.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	// Jitter is the fraction (0..1) by which a delay may be moved up or down.
	Jitter float64
	// Float returns a value in [0, 1). Nil uses math/rand/v2.
	Float func() float64
}

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Terminal bool
	Delay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		Base:       DefaultBase,
		Cap:        DefaultCap,
		Jitter:     DefaultJitter,
	}
}

// Decide is called with the attempt count after the failed attempt has been
// counted. With MaxRetries 3 the third failure is terminal. The jittered delay
// never exceeds Cap; a server hint may.
func (p Policy) Decide(attempts int, kind delivery.ErrorKind, hint time.Duration) Decision {
	if attempts >= p.maxRetries() || !kind.Retryable() {
		return Decision{Terminal: true}
	}

	delay := p.WithJitter(p.Backoff(attempts))
	if c := p.ceiling(); delay > c {
		delay = c
	}
	if hint > delay {
		delay = hint
	}
	return Decision{Delay: delay}
}

// Backoff returns min(Cap, Base * 2^(attempts-1)) without jitter.
func (p Policy) Backoff(attempts int) time.Duration {
	base, ceiling := p.base(), p.ceiling()
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// WithJitter moves d uniformly within ±Jitter.
func (p Policy) WithJitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	j := p.Jitter
	if j > 1 {
		j = 1
	}
	f := p.Float
	if f == nil {
		f = rand.Float64
	}
	factor := 1 + j*(2*f()-1)
	return time.Duration(float64(d) * factor)
}

func (p Policy) maxRetries() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

func (p Policy) base() time.Duration {
	if p.Base <= 0 {
		return DefaultBase
	}
	return p.Base
}

func (p Policy) ceiling() time.Duration {
	if p.Cap <= 0 {
		return DefaultCap
	}
	if p.Cap < p.base() {
		return p.base()
	}
	return p.Cap
}
