package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultGlobalLimit  = 50
	DefaultGlobalPeriod = time.Second
)

// GlobalKey is the id reported for waits on the global bucket.
const GlobalKey = "global"

// Wait describes one suspension imposed by the store.
type Wait struct {
	Key    string
	Global bool
	Delay  time.Duration
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithGlobalLimit sets the local ceiling applied across every route.
func WithGlobalLimit(limit int, period time.Duration) Option {
	return func(s *Store) {
		s.globalLimit = limit
		s.globalPeriod = period
	}
}

// WithWaitHook is called before every suspension.
func WithWaitHook(fn func(Wait)) Option {
	return func(s *Store) {
		s.onWait = fn
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Store maps routes to buckets. The map lock is never held while waiting; each
// bucket serializes its own read-modify-write.
type Store struct {
	clock        clockwork.Clock
	logger       zerolog.Logger
	onWait       func(Wait)
	globalLimit  int
	globalPeriod time.Duration
	global       *Window

	mu        sync.Mutex
	routes    map[string]*Bucket
	hashes    map[string]string
	canonical map[string]*Bucket
	lockedTil time.Time
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:        clockwork.NewRealClock(),
		logger:       log.Logger.With().Str("component", "ratelimit").Logger(),
		globalLimit:  DefaultGlobalLimit,
		globalPeriod: DefaultGlobalPeriod,
		routes:       make(map[string]*Bucket),
		hashes:       make(map[string]string),
		canonical:    make(map[string]*Bucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.globalPeriod <= 0 {
		s.globalPeriod = DefaultGlobalPeriod
	}
	s.global = NewWindow(s.globalLimit, s.globalPeriod, s.clock)
	return s
}

func (s *Store) Clock() clockwork.Clock {
	return s.clock
}

// Acquire suspends until both the global bucket and the route's bucket admit one
// request, then consumes one slot from each.
func (s *Store) Acquire(ctx context.Context, key Key) error {
	if err := s.waitGlobal(ctx); err != nil {
		return err
	}
	for {
		b := s.resolve(key)
		b.mu.Lock()
		delay, ok := b.take(s.clock.Now())
		id := b.id
		b.mu.Unlock()
		if ok {
			return nil
		}
		s.notify(Wait{Key: id, Delay: delay})
		if err := sleep(ctx, s.clock, delay); err != nil {
			return err
		}
	}
}

func (s *Store) waitGlobal(ctx context.Context) error {
	for {
		s.mu.Lock()
		locked := s.lockedTil.Sub(s.clock.Now())
		s.mu.Unlock()
		if locked > 0 {
			s.notify(Wait{Key: GlobalKey, Global: true, Delay: locked})
			if err := sleep(ctx, s.clock, locked); err != nil {
				return err
			}
			continue
		}
		delay, ok := s.global.Reserve()
		if ok {
			return nil
		}
		s.notify(Wait{Key: GlobalKey, Global: true, Delay: delay})
		if err := sleep(ctx, s.clock, delay); err != nil {
			return err
		}
	}
}

// Update reconciles a response's headers into the route's bucket, merging the
// provisional route bucket into the canonical one once its hash is known.
func (s *Store) Update(key Key, h Headers) {
	now := s.clock.Now()
	b := s.resolve(key)
	if h.Bucket != "" {
		b = s.promote(key, h.Bucket, now)
	}
	b.mu.Lock()
	b.reconcile(h, now)
	b.mu.Unlock()
}

// Lockout applies a rate-limit rejection. Global rejections stall every route.
func (s *Store) Lockout(key Key, retryAfter time.Duration, global bool) {
	now := s.clock.Now()
	until := now.Add(retryAfter)
	if global {
		s.mu.Lock()
		if until.After(s.lockedTil) {
			s.lockedTil = until
		}
		s.mu.Unlock()
		s.logger.Warn().Dur("retry_after", retryAfter).Msg("ratelimit.Lockout global")
		return
	}
	b := s.resolve(key)
	b.mu.Lock()
	b.lockout(until, now)
	b.mu.Unlock()
	s.logger.Debug().Str("bucket", b.id).Dur("retry_after", retryAfter).Msg("ratelimit.Lockout")
}

// Bucket returns a snapshot of the bucket currently serving key.
func (s *Store) Bucket(key Key) BucketSnapshot {
	b := s.resolve(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot()
}

// Snapshot lists every distinct bucket, ordered by id.
func (s *Store) Snapshot() []BucketSnapshot {
	s.mu.Lock()
	seen := make(map[*Bucket]struct{}, len(s.routes))
	buckets := make([]*Bucket, 0, len(s.routes))
	for _, b := range s.routes {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		buckets = append(buckets, b)
	}
	s.mu.Unlock()

	out := make([]BucketSnapshot, 0, len(buckets))
	for _, b := range buckets {
		b.mu.Lock()
		out = append(out, b.snapshot())
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GlobalLockedUntil reports the end of the current global lockout, if any.
func (s *Store) GlobalLockedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedTil
}

func (s *Store) resolve(key Key) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	rk := key.String()
	if b, ok := s.routes[rk]; ok {
		return b
	}
	if hash, ok := s.hashes[key.Route]; ok {
		b := s.canonicalLocked(hash, key.Major)
		s.routes[rk] = b
		return b
	}
	b := &Bucket{id: rk}
	s.routes[rk] = b
	return b
}

func (s *Store) promote(key Key, hash string, now time.Time) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	rk := key.String()
	s.hashes[key.Route] = hash
	current := s.routes[rk]
	b := s.canonicalLocked(hash, key.Major)
	if current != nil && current != b {
		current.mu.Lock()
		b.mu.Lock()
		b.absorb(current, now)
		b.mu.Unlock()
		current.mu.Unlock()
		s.logger.Debug().Str("route", rk).Str("bucket", b.id).Msg("ratelimit.promote merged provisional bucket")
	}
	s.routes[rk] = b
	return b
}

func (s *Store) canonicalLocked(hash, major string) *Bucket {
	ck := fmt.Sprintf("%s|%s", hash, major)
	if b, ok := s.canonical[ck]; ok {
		return b
	}
	b := &Bucket{id: ck, hash: hash}
	s.canonical[ck] = b
	return b
}

func (s *Store) notify(w Wait) {
	if s.onWait != nil {
		s.onWait(w)
	}
}
