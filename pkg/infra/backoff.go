package infra

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff produces exponentially growing delays with ±20% jitter, bounded by maxDelay
type Backoff struct {
	mu         sync.Mutex
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
}

func NewBackoff(minDelay, maxDelay time.Duration, mult float64) *Backoff {
	if mult < 1 {
		mult = 1
	}
	return &Backoff{
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		multiplier: mult,
		current:    minDelay,
	}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)
	return wait
}

// Wait sleeps for the next delay. It returns ctx.Err() if the context ends first.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
