package ratelimit

import (
	"sync"
	"time"
)

// resetTolerance absorbs the jitter between reset offsets reported by responses
// that belong to the same window.
const resetTolerance = 250 * time.Millisecond

// Key identifies the logical route of a request. Route is the method plus path
// template; Major is the value of the template's major parameter, if any.
type Key struct {
	Route string
	Major string
}

func (k Key) String() string {
	if k.Major == "" {
		return k.Route
	}
	return k.Route + "|" + k.Major
}

// Bucket is the live limit state of one flow-control key.
type Bucket struct {
	mu        sync.Mutex
	id        string
	hash      string
	known     bool
	limit     int
	remaining int
	resetAt   time.Time
	// period is the length of the last window a response reported.
	period time.Duration
	// refilled marks a window that expired locally and was refilled before any
	// response reported the next reset.
	refilled bool
}

// BucketSnapshot is a copy of one bucket's state.
type BucketSnapshot struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash,omitempty"`
	Known     bool      `json:"known"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// take consumes one slot or returns how long the caller must wait. Callers hold b.mu.
func (b *Bucket) take(now time.Time) (time.Duration, bool) {
	if !b.known {
		return 0, true
	}
	if !now.Before(b.resetAt) {
		// No response has reported the next window yet; assume it matches the last one.
		b.remaining = b.limit
		b.refilled = true
		b.resetAt = now.Add(b.windowPeriod())
	}
	if b.remaining > 0 {
		b.remaining--
		return 0, true
	}
	return b.resetAt.Sub(now), false
}

func (b *Bucket) windowPeriod() time.Duration {
	if b.period < resetTolerance {
		return resetTolerance
	}
	return b.period
}

// reconcile folds authoritative response headers into the bucket. Within one
// reset window the lowest remaining count wins so out-of-order responses never
// grant capacity back. Callers hold b.mu.
func (b *Bucket) reconcile(h Headers, now time.Time) {
	if !h.Present || !h.ResetAt.After(now) {
		return
	}
	newWindow := !b.known ||
		b.refilled ||
		!now.Before(b.resetAt) ||
		h.ResetAt.After(b.resetAt.Add(resetTolerance))
	b.limit = h.Limit
	if newWindow {
		b.known = true
		b.refilled = false
		b.remaining = h.Remaining
		b.resetAt = h.ResetAt
		b.period = h.ResetAt.Sub(now)
		return
	}
	if h.Remaining < b.remaining {
		b.remaining = h.Remaining
	}
	if h.ResetAt.After(b.resetAt) {
		b.resetAt = h.ResetAt
	}
}

// lockout drains the bucket until the given time.
func (b *Bucket) lockout(until, now time.Time) {
	b.remaining = 0
	b.refilled = false
	if b.period <= 0 {
		b.period = until.Sub(now)
	}
	if until.After(b.resetAt) {
		b.resetAt = until
	}
	if !b.known {
		b.known = true
		if b.limit == 0 {
			b.limit = 1
		}
	}
}

// absorb copies provisional state learned before the canonical bucket existed.
func (b *Bucket) absorb(p *Bucket, now time.Time) {
	if !p.known {
		return
	}
	if !b.known || !now.Before(b.resetAt) {
		b.known = true
		b.limit = p.limit
		b.remaining = p.remaining
		b.resetAt = p.resetAt
		b.period = p.period
		b.refilled = p.refilled
		return
	}
	if p.remaining < b.remaining {
		b.remaining = p.remaining
	}
	if p.resetAt.After(b.resetAt) {
		b.resetAt = p.resetAt
	}
}

func (b *Bucket) snapshot() BucketSnapshot {
	return BucketSnapshot{
		ID:        b.id,
		Hash:      b.hash,
		Known:     b.known,
		Limit:     b.limit,
		Remaining: b.remaining,
		ResetAt:   b.resetAt,
	}
}
