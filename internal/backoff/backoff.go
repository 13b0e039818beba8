// Package backoff holds the retry delay policy shared by the subscription
// loop and the store retries. Delay is a pure function of the attempt number
// and a caller-supplied random value.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction (0..1) by which a delay may move up or down.
	Jitter float64
}

// Reconnect is the broker reconnect default: 1s doubling to a minute, ±20%.
func Reconnect(base, max time.Duration) Policy {
	return Policy{Base: base, Max: max, Multiplier: 2, Jitter: 0.2}
}

// Store is the default between store attempts: short, doubling, ±10%.
func Store(base time.Duration) Policy {
	return Policy{Base: base, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.1}
}

// Delay returns the wait before retry number attempt (0 is the first retry).
// r in [0,1) picks the jitter; 0.5 means none. The result never exceeds Max.
func (p Policy) Delay(attempt int, r float64) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Base) * math.Pow(mult, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	j := min(max(p.Jitter, 0), 1)
	r = min(max(r, 0), 1)
	d *= 1 + j*(2*r-1)

	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NewBackOff adapts the policy to cenkalti/backoff with a random jitter source.
// Attempts are unbounded; wrap with cbackoff.WithMaxRetries to cap them.
func (p Policy) NewBackOff() cbackoff.BackOff {
	return &policyBackOff{policy: p, rand: rand.Float64}
}

type policyBackOff struct {
	policy  Policy
	rand    func() float64
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt, b.rand())
	b.attempt++
	return d
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}
