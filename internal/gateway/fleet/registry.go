package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultIdentifyWindow = 5 * time.Second

// Registry admits identify handshakes so that no trailing window holds more than
// MaxConcurrency starts. Waiters are admitted in ascending shard order.
type Registry struct {
	clock   clockwork.Clock
	window  time.Duration
	logger  zerolog.Logger
	onAdmit func(shard int, waited time.Duration)

	mu      sync.Mutex
	max     int
	stamps  []time.Time
	waiters []*identifyWaiter
	changed chan struct{}
}

type identifyWaiter struct {
	shard int
}

type RegistryOption func(*Registry)

func WithRegistryClock(c clockwork.Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithAdmitHook reports every admitted identify and how long it queued.
func WithAdmitHook(fn func(shard int, waited time.Duration)) RegistryOption {
	return func(r *Registry) {
		r.onAdmit = fn
	}
}

func NewRegistry(maxConcurrency int, window time.Duration, opts ...RegistryOption) *Registry {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if window <= 0 {
		window = DefaultIdentifyWindow
	}
	r := &Registry{
		clock:   clockwork.NewRealClock(),
		window:  window,
		max:     maxConcurrency,
		changed: make(chan struct{}),
		logger:  log.Logger.With().Str("component", "fleet.registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WaitIdentify blocks until shardID may start an identify, then records the start.
func (r *Registry) WaitIdentify(ctx context.Context, shardID int) error {
	return r.wait(ctx, shardID, nil)
}

// wait calls queued, if set, once the waiter holds its place in line.
func (r *Registry) wait(ctx context.Context, shardID int, queued func()) error {
	w := &identifyWaiter{shard: shardID}
	r.mu.Lock()
	r.insertLocked(w)
	r.mu.Unlock()
	if queued != nil {
		queued()
	}

	start := r.clock.Now()
	for {
		r.mu.Lock()
		now := r.clock.Now()
		r.pruneLocked(now)
		head := r.waiters[0] == w
		if head && len(r.stamps) < r.max {
			r.stamps = append(r.stamps, now)
			r.removeLocked(w)
			r.broadcastLocked()
			inWindow := len(r.stamps)
			r.mu.Unlock()
			r.logger.Debug().
				Int("shard", shardID).
				Int("in_window", inWindow).
				Dur("waited", now.Sub(start)).
				Msg("fleet.Registry identify admitted")
			if r.onAdmit != nil {
				r.onAdmit(shardID, now.Sub(start))
			}
			return nil
		}
		var timer clockwork.Timer
		var expire <-chan time.Time
		if head {
			timer = r.clock.NewTimer(r.stamps[0].Add(r.window).Sub(now))
			expire = timer.Chan()
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			r.mu.Lock()
			r.removeLocked(w)
			r.broadcastLocked()
			r.mu.Unlock()
			return ctx.Err()
		case <-expire:
		case <-changed:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// ObserveMaxConcurrency adopts a cap announced by the remote side.
func (r *Registry) ObserveMaxConcurrency(n int) {
	r.SetMaxConcurrency(n)
}

func (r *Registry) SetMaxConcurrency(n int) {
	if n < 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n == r.max {
		return
	}
	r.logger.Info().Int("from", r.max).Int("to", n).Msg("fleet.Registry max concurrency")
	r.max = n
	r.broadcastLocked()
}

func (r *Registry) MaxConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.max
}

// Waiting lists the shards currently blocked, in admission order.
func (r *Registry) Waiting() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.waiters))
	for _, w := range r.waiters {
		out = append(out, w.shard)
	}
	return out
}

// Recent returns the identify starts still inside the window.
func (r *Registry) Recent() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.clock.Now())
	return append([]time.Time(nil), r.stamps...)
}

func (r *Registry) insertLocked(w *identifyWaiter) {
	i := sort.Search(len(r.waiters), func(i int) bool { return r.waiters[i].shard > w.shard })
	r.waiters = append(r.waiters, nil)
	copy(r.waiters[i+1:], r.waiters[i:])
	r.waiters[i] = w
	if i == 0 {
		r.broadcastLocked()
	}
}

func (r *Registry) removeLocked(w *identifyWaiter) {
	for i, cur := range r.waiters {
		if cur == w {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

// pruneLocked drops starts older than the window. A start at t counts while
// now-t < window.
func (r *Registry) pruneLocked(now time.Time) {
	keep := 0
	for _, ts := range r.stamps {
		if now.Sub(ts) < r.window {
			r.stamps[keep] = ts
			keep++
		}
	}
	r.stamps = r.stamps[:keep]
}

func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
