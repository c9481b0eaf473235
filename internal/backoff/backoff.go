// Package backoff computes capped exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Ceiling is the largest delay Delay returns, and the cap when MaxDelay is unset.
const Ceiling = 10 * time.Minute

// Config defines retry backoff behavior.
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay returns the retry delay for attempt N (1-based).
// Jitter scales the delay by a factor in [0.5, 1.5).
func Delay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	limit := cfg.MaxDelay
	if limit <= 0 || limit > Ceiling {
		limit = Ceiling
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(limit) {
		delay = float64(limit)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Backoff carries the attempt counter between retries.
type Backoff struct {
	cfg     Config
	mu      sync.Mutex
	attempt int
	rng     *rand.Rand
}

func New(cfg Config) *Backoff {
	return &Backoff{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSeeded is New with a deterministic jitter source.
func NewSeeded(cfg Config, seed int64) *Backoff {
	return &Backoff{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Next advances the attempt counter and returns its delay.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt++
	return Delay(b.cfg, b.attempt, b.rng)
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
