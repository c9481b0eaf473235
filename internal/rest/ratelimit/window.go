package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Window admits at most limit takes per fixed period, starting the period at the
// first take after the previous one expired.
type Window struct {
	clock  clockwork.Clock
	limit  int
	period time.Duration

	mu        sync.Mutex
	remaining int
	resetAt   time.Time
}

func NewWindow(limit int, period time.Duration, clock clockwork.Clock) *Window {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if limit < 1 {
		limit = 1
	}
	return &Window{clock: clock, limit: limit, period: period}
}

// Reserve takes one slot if available, otherwise returns how long to wait.
func (w *Window) Reserve() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	if !now.Before(w.resetAt) {
		w.remaining = w.limit
		w.resetAt = now.Add(w.period)
	}
	if w.remaining > 0 {
		w.remaining--
		return 0, true
	}
	return w.resetAt.Sub(now), false
}

// Wait blocks until a slot is taken or ctx ends.
func (w *Window) Wait(ctx context.Context) error {
	for {
		delay, ok := w.Reserve()
		if ok {
			return nil
		}
		if err := sleep(ctx, w.clock, delay); err != nil {
			return err
		}
	}
}

// Remaining reports the slots left in the current period.
func (w *Window) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.clock.Now().Before(w.resetAt) {
		return w.limit
	}
	return w.remaining
}

// Reset refills the window immediately.
func (w *Window) Reset() {
	w.mu.Lock()
	w.remaining = w.limit
	w.resetAt = time.Time{}
	w.mu.Unlock()
}

func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
