package client

import (
	"sync"
	"time"
)

// Scheduler runs a task after a delay. The returned function cancels the
// task if it has not started.
type Scheduler interface {
	Schedule(delay time.Duration, task func()) (cancel func())
}

// TimerScheduler runs tasks on timer goroutines.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(delay time.Duration, task func()) func() {
	t := time.AfterFunc(delay, task)
	return func() { t.Stop() }
}

// Backoff produces exponentially growing delays between Initial and Max.
// The zero value is usable and starts at one second.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	mu      sync.Mutex
	attempt int
}

const (
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = time.Minute
	defaultBackoffFactor  = 2
)

// Next returns the delay before the next attempt and counts the attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	initial, limit, factor := b.Initial, b.Max, b.Factor
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	if limit <= 0 {
		limit = defaultBackoffMax
	}
	if factor < 1 {
		factor = defaultBackoffFactor
	}
	d := float64(initial)
	for i := 0; i < b.attempt && d < float64(limit); i++ {
		d *= factor
	}
	b.attempt++
	return min(time.Duration(d), limit)
}

// Reset starts over at Initial after a successful attempt.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
