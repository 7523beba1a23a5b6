package delivery

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes capped exponential retry delays with jitter
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, 0..1

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewBackoff creates a backoff policy
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number attempt (1-based: the wait
// after the first failed attempt is Delay(1)).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		b.mu.Lock()
		r := b.rnd.Float64()
		b.mu.Unlock()
		d += d * b.Jitter * (2*r - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
