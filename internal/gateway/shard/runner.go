package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gatectl/internal/backoff"
	"github.com/danmuck/gatectl/internal/faults"
	"github.com/danmuck/gatectl/internal/gateway/session"
	"github.com/danmuck/gatectl/internal/gateway/wire"
	"github.com/danmuck/gatectl/internal/rest/ratelimit"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Status is a point-in-time view of one runner.
type Status struct {
	Shard       session.ShardInfo `json:"shard"`
	State       session.State     `json:"-"`
	StateName   string            `json:"state"`
	Running     bool              `json:"running"`
	Session     session.Snapshot  `json:"session"`
	Reconnects  int               `json:"reconnects"`
	ConnectedAt time.Time         `json:"connected_at"`
	LastError   string            `json:"last_error,omitempty"`
}

type Option func(*Runner)

func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithIdentifyGate routes every identify through g.
func WithIdentifyGate(g IdentifyGate) Option {
	return func(r *Runner) {
		if g != nil {
			r.gate = g
		}
	}
}

// WithEvents sets the outward sink. Sends block, so a slow consumer slows the
// shard instead of losing events.
func WithEvents(ch chan<- session.Event) Option {
	return func(r *Runner) {
		r.events = ch
	}
}

// WithJitter fixes the session's jitter source.
func WithJitter(f func() float64) Option {
	return func(r *Runner) {
		r.jitter = f
	}
}

type command struct {
	cmd  session.Command
	errc chan error
}

type outcome struct {
	reason    error
	resume    bool
	connected bool
	fatal     error
	shutdown  bool
}

// Runner owns one Session and its transport.
type Runner struct {
	cfg    Config
	dialer Dialer
	gate   IdentifyGate
	events chan<- session.Event
	clock  clockwork.Clock
	logger zerolog.Logger
	jitter func() float64

	budget   *ratelimit.Window
	bo       *backoff.Backoff
	commands chan command
	running  atomic.Bool

	// sess is touched only by the goroutine inside Run, or by Reset while idle.
	sess *session.Session

	mu      sync.RWMutex
	status  Status
	runDone chan struct{}
}

func New(cfg Config, dialer Dialer, opts ...Option) (*Runner, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, ErrDialerRequired
	}
	r := &Runner{
		cfg:      cfg,
		dialer:   dialer,
		gate:     openGate{},
		clock:    clockwork.NewRealClock(),
		commands: make(chan command),
		bo:       backoff.New(cfg.Backoff),
	}
	r.logger = log.Logger.With().Str("component", "shard").Int("shard", cfg.Shard.ID).Logger()
	for _, opt := range opts {
		opt(r)
	}
	r.budget = ratelimit.NewWindow(cfg.CommandLimit, cfg.CommandWindow, r.clock)
	if err := r.newSession(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) newSession() error {
	opts := []session.Option{
		session.WithClock(r.clock),
		session.WithLogger(r.logger.With().Str("component", "session").Logger()),
	}
	if r.jitter != nil {
		opts = append(opts, session.WithJitter(r.jitter))
	}
	s, err := session.New(r.cfg.Shard, r.cfg.Session, opts...)
	if err != nil {
		return err
	}
	r.sess = s
	r.mu.Lock()
	r.status = Status{
		Shard:     r.cfg.Shard,
		State:     s.State(),
		StateName: s.State().String(),
		Session:   s.Snapshot(),
	}
	r.mu.Unlock()
	return nil
}

func (r *Runner) Shard() session.ShardInfo {
	return r.cfg.Shard
}

func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Reset discards the session so the next Run identifies from scratch.
func (r *Runner) Reset() error {
	if r.running.Load() {
		return ErrAlreadyRunning
	}
	r.bo.Reset()
	return r.newSession()
}

// Run connects and reconnects until ctx ends, the remote side closes the shard
// for good, or MaxReconnectAttempts consecutive connections fail. It returns nil
// on shutdown.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.status.Running = true
	r.runDone = done
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.status.Running = false
		r.mu.Unlock()
		close(done)
		r.running.Store(false)
	}()

	r.logger.Info().Str("shard", r.cfg.Shard.String()).Msg("shard.Runner.Run start")
	for {
		if ctx.Err() != nil {
			r.stop(ctx)
			return nil
		}
		out := r.runConnection(ctx)
		if out.shutdown {
			r.logger.Info().Msg("shard.Runner.Run shutdown")
			return nil
		}
		if out.fatal != nil {
			ferr := &FatalError{Shard: r.cfg.Shard.ID, Err: out.fatal}
			r.recordError(ferr, false)
			r.logger.Error().Err(ferr).Msg("shard.Runner.Run fatal")
			r.emit(ctx, &session.Fatal{Shard: r.cfg.Shard.ID, Err: ferr})
			return ferr
		}
		if out.connected {
			r.bo.Reset()
		}
		delay := r.bo.Next()
		attempt := r.bo.Attempt()
		r.recordError(out.reason, true)
		r.emit(ctx, &session.Disconnected{Shard: r.cfg.Shard.ID, Reason: out.reason, Resume: out.resume})
		if r.cfg.MaxReconnectAttempts > 0 && attempt > r.cfg.MaxReconnectAttempts {
			err := fmt.Errorf("%w: shard %d: %d consecutive connection failures: %v",
				faults.ErrCapacityExceeded, r.cfg.Shard.ID, attempt, out.reason)
			r.logger.Error().Err(err).Msg("shard.Runner.Run giving up")
			return err
		}
		r.logger.Warn().
			Err(out.reason).
			Int("attempt", attempt).
			Bool("resume", out.resume).
			Dur("delay", delay).
			Msg("shard.Runner.Run reconnecting")
		if err := r.wait(ctx, delay); err != nil {
			r.stop(ctx)
			return nil
		}
	}
}

// Send forwards one command to the live session. Commands wait for the
// per-connection budget; they fail with ErrNotConnected outside Connected.
func (r *Runner) Send(ctx context.Context, cmd session.Command) error {
	if cmd == nil {
		return errors.New("shard: nil command")
	}
	r.mu.RLock()
	st := r.status
	done := r.runDone
	r.mu.RUnlock()
	if !st.Running || st.State != session.StateConnected {
		return fmt.Errorf("%w: shard %d is %s", ErrNotConnected, r.cfg.Shard.ID, st.StateName)
	}
	if err := r.budget.Wait(ctx); err != nil {
		return err
	}
	req := command{cmd: cmd, errc: make(chan error, 1)}
	select {
	case r.commands <- req:
	case <-done:
		return fmt.Errorf("%w: shard %d stopped", ErrNotConnected, r.cfg.Shard.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) runConnection(ctx context.Context) outcome {
	s := r.sess
	if err := s.Connect(); err != nil {
		if errors.Is(err, session.ErrFatallyClosed) {
			return outcome{fatal: err}
		}
		return outcome{reason: err}
	}
	r.sync(ctx)

	url, err := wire.GatewayURL(s.GatewayURL(r.cfg.GatewayURL), r.cfg.Version, r.cfg.Compression)
	if err != nil {
		return outcome{fatal: fmt.Errorf("%w: %v", faults.ErrFatalConfig, err)}
	}
	conn, err := r.dialer.Dial(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			r.stop(ctx)
			return outcome{shutdown: true}
		}
		res := s.Fail(err)
		r.sync(ctx)
		return outcome{reason: err, resume: res.Reconnect != nil && res.Reconnect.Resume}
	}
	if err := s.TransportEstablished(); err != nil {
		_ = conn.Close(session.CloseNormal, "")
		return outcome{reason: err}
	}
	r.budget.Reset()
	r.sync(ctx)
	r.logger.Debug().Str("url", url).Msg("shard.Runner transport established")
	return newConnection(r, conn).run(ctx)
}

// wait sleeps through the backoff delay, rejecting commands meanwhile.
func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	timer := r.clock.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			return nil
		case req := <-r.commands:
			req.errc <- fmt.Errorf("%w: shard %d is reconnecting", ErrNotConnected, r.cfg.Shard.ID)
		}
	}
}

func (r *Runner) stop(ctx context.Context) {
	r.sess.Disconnect()
	r.sync(ctx)
}

// sync publishes the session snapshot and emits a StateChanged event when the
// state moved since the last call.
func (r *Runner) sync(ctx context.Context) {
	st := r.sess.State()
	snap := r.sess.Snapshot()
	r.mu.Lock()
	from := r.status.State
	r.status.State = st
	r.status.StateName = st.String()
	r.status.Session = snap
	r.mu.Unlock()
	if from == st {
		return
	}
	r.logger.Debug().Str("from", from.String()).Str("to", st.String()).Msg("shard.Runner state")
	r.emit(ctx, &session.StateChanged{Shard: r.cfg.Shard.ID, From: from, To: st})
}

func (r *Runner) markConnected() {
	r.mu.Lock()
	r.status.ConnectedAt = r.clock.Now()
	r.status.LastError = ""
	r.mu.Unlock()
}

func (r *Runner) recordError(err error, reconnect bool) {
	r.mu.Lock()
	if reconnect {
		r.status.Reconnects++
	}
	if err != nil {
		r.status.LastError = err.Error()
	}
	r.mu.Unlock()
}

func (r *Runner) emit(ctx context.Context, ev session.Event) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}
