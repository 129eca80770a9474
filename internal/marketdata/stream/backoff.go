package stream

import "time"

// Backoff yields reconnect delays: Base doubling up to Max for MaxAttempts
// attempts, then one Cooldown after which the attempt counter starts over.
// Not safe for concurrent use; each feed owns one.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Cooldown    time.Duration

	attempt int
}

// NewBackoff returns the default schedule: 1s, 2s, 4s, 8s, 16s, 30s...
// for 10 attempts, then a 60s cooldown.
func NewBackoff() *Backoff {
	return &Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
		Cooldown:    60 * time.Second,
	}
}

// Next returns the delay before the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	if b.attempt >= b.MaxAttempts {
		b.attempt = 0
		return b.Cooldown
	}
	d := b.Base
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset is called after a successful handshake.
func (b *Backoff) Reset() {
	b.attempt = 0
}
