package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gatectl/internal/faults"
	"github.com/danmuck/gatectl/internal/gateway/session"
	"github.com/danmuck/gatectl/internal/gateway/shard"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrTotalShardsRequired = errors.New("fleet: total shards required")
	ErrUnknownShard        = errors.New("fleet: unknown shard")
	ErrAlreadyStarted      = errors.New("fleet: already started")
	ErrNotStarted          = errors.New("fleet: not started")
)

const conditionHistory = 256

// ConditionKind names a supervision outcome worth surfacing.
type ConditionKind string

const (
	ConditionShardFatal      ConditionKind = "shard_fatal"
	ConditionShardRestarting ConditionKind = "shard_restarting"
	ConditionCapacity        ConditionKind = "capacity_exceeded"
	ConditionMaterializer    ConditionKind = "materializer_error"
)

// Condition is one supervision report.
type Condition struct {
	ID      string        `json:"id"`
	Shard   int           `json:"shard"`
	Kind    ConditionKind `json:"kind"`
	Class   faults.Kind   `json:"class"`
	Message string        `json:"message"`
	At      time.Time     `json:"at"`
	Err     error         `json:"-"`
}

// Materializer receives every dispatch before it reaches the event stream. It
// must not block for long; the stream waits on it.
type Materializer interface {
	Materialize(ctx context.Context, d *session.Dispatch) error
}

type Config struct {
	TotalShards int
	// ShardIDs limits this process to a subset of [0, TotalShards); empty means all.
	ShardIDs       []int
	Runner         shard.Config
	MaxConcurrency int
	IdentifyWindow time.Duration
	RestartDelay   time.Duration
	EventBuffer    int
}

func DefaultConfig() Config {
	return Config{
		TotalShards:    1,
		Runner:         shard.DefaultConfig(),
		MaxConcurrency: 1,
		IdentifyWindow: DefaultIdentifyWindow,
		RestartDelay:   5 * time.Second,
		EventBuffer:    1024,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.IdentifyWindow <= 0 {
		c.IdentifyWindow = def.IdentifyWindow
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = def.RestartDelay
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

func (c Config) Validate() error {
	if c.TotalShards < 1 {
		return ErrTotalShardsRequired
	}
	for _, id := range c.ShardIDs {
		if id < 0 || id >= c.TotalShards {
			return fmt.Errorf("%w: id=%d total=%d", session.ErrInvalidShard, id, c.TotalShards)
		}
	}
	return nil
}

func (c Config) shardIDs() []int {
	if len(c.ShardIDs) > 0 {
		ids := append([]int(nil), c.ShardIDs...)
		sort.Ints(ids)
		return ids
	}
	ids := make([]int, c.TotalShards)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithMaterializer(mat Materializer) Option {
	return func(m *Manager) {
		m.materializer = mat
	}
}

// WithIdentifyHook is called for every identify the registry admits.
func WithIdentifyHook(fn func(shard int, waited time.Duration)) Option {
	return func(m *Manager) {
		m.onIdentify = fn
	}
}

// WithRunnerOptions appends options to every runner the manager builds.
func WithRunnerOptions(opts ...shard.Option) Option {
	return func(m *Manager) {
		m.runnerOpts = append(m.runnerOpts, opts...)
	}
}

// shardGate routes one runner through the registry and reports when the shard
// first queues for an identify.
type shardGate struct {
	reg    *Registry
	once   sync.Once
	queued chan struct{}
}

func newShardGate(reg *Registry) *shardGate {
	return &shardGate{reg: reg, queued: make(chan struct{})}
}

func (g *shardGate) WaitIdentify(ctx context.Context, shardID int) error {
	return g.reg.wait(ctx, shardID, func() {
		g.once.Do(func() { close(g.queued) })
	})
}

func (g *shardGate) ObserveMaxConcurrency(n int) {
	g.reg.ObserveMaxConcurrency(n)
}

type managed struct {
	runner *shard.Runner
	gate   *shardGate

	mu      sync.Mutex
	cancel  context.CancelFunc
	restart bool
	fatal   bool
}

func (ms *managed) setCancel(cancel context.CancelFunc) {
	ms.mu.Lock()
	ms.cancel = cancel
	ms.mu.Unlock()
}

func (ms *managed) takeRestart() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	r := ms.restart
	ms.restart = false
	return r
}

// Manager owns the runner of every shard in the fleet.
type Manager struct {
	cfg          Config
	dialer       shard.Dialer
	registry     *Registry
	clock        clockwork.Clock
	logger       zerolog.Logger
	materializer Materializer
	runnerOpts   []shard.Option
	onIdentify   func(shard int, waited time.Duration)

	runners map[int]*managed
	ids     []int

	raw        chan session.Event
	events     chan session.Event
	conditions chan Condition
	pumpDone   chan struct{}

	started atomic.Bool
	stopped atomic.Bool
	group   errgroup.Group

	ctxMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	histMu  sync.RWMutex
	history []Condition
}

func NewManager(cfg Config, dialer shard.Dialer, opts ...Option) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, shard.ErrDialerRequired
	}
	m := &Manager{
		cfg:        cfg,
		dialer:     dialer,
		clock:      clockwork.NewRealClock(),
		logger:     log.Logger.With().Str("component", "fleet").Logger(),
		runners:    make(map[int]*managed),
		ids:        cfg.shardIDs(),
		raw:        make(chan session.Event, cfg.EventBuffer),
		events:     make(chan session.Event, cfg.EventBuffer),
		conditions: make(chan Condition, conditionHistory),
		pumpDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registry = NewRegistry(cfg.MaxConcurrency, cfg.IdentifyWindow,
		WithRegistryClock(m.clock), WithAdmitHook(m.onIdentify))

	for _, id := range m.ids {
		rc := cfg.Runner
		rc.Shard = session.ShardInfo{ID: id, Total: cfg.TotalShards}
		gate := newShardGate(m.registry)
		runOpts := append([]shard.Option{
			shard.WithClock(m.clock),
			shard.WithIdentifyGate(gate),
			shard.WithEvents(m.raw),
			shard.WithLogger(m.logger.With().Str("component", "shard").Int("shard", id).Logger()),
		}, m.runnerOpts...)
		r, err := shard.New(rc, dialer, runOpts...)
		if err != nil {
			return nil, fmt.Errorf("fleet: shard %d: %w", id, err)
		}
		m.runners[id] = &managed{runner: r, gate: gate}
	}
	return m, nil
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

// Events is the merged stream of every shard, in wire order per shard. It is
// closed after Shutdown returns. Callers must drain it.
func (m *Manager) Events() <-chan session.Event {
	return m.events
}

// Conditions streams supervision reports. When nobody reads, reports are kept
// only in History.
func (m *Manager) Conditions() <-chan Condition {
	return m.conditions
}

// History returns the most recent conditions, oldest first.
func (m *Manager) History() []Condition {
	m.histMu.RLock()
	defer m.histMu.RUnlock()
	return append([]Condition(nil), m.history...)
}

// Start launches the runners in ascending shard order. Each shard is started
// once the previous one has queued for an identify, or after one identify
// window if it never gets that far. Start does not wait for the launch.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.ctxMu.Lock()
	m.ctx, m.cancel = runCtx, cancel
	m.ctxMu.Unlock()
	go m.pump(runCtx)

	m.logger.Info().
		Int("total_shards", m.cfg.TotalShards).
		Int("local_shards", len(m.ids)).
		Int("max_concurrency", m.registry.MaxConcurrency()).
		Msg("fleet.Manager.Start")
	m.group.Go(func() error {
		m.launch(runCtx)
		return nil
	})
	return nil
}

func (m *Manager) launch(ctx context.Context) {
	for _, id := range m.ids {
		ms := m.runners[id]
		id := id
		m.group.Go(func() error {
			return m.supervise(ctx, id, ms)
		})
		timer := m.clock.NewTimer(m.cfg.IdentifyWindow)
		select {
		case <-ms.gate.queued:
		case <-timer.Chan():
			m.logger.Debug().Int("shard", id).Msg("fleet.Manager launch: shard not queued within window")
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

// Shutdown cancels every runner and waits for each to close its transport.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	if !m.stopped.CompareAndSwap(false, true) {
		<-m.pumpDone
		return nil
	}
	m.logger.Info().Msg("fleet.Manager.Shutdown")
	m.ctxMu.Lock()
	m.cancel()
	m.ctxMu.Unlock()
	done := make(chan error, 1)
	go func() {
		done <- m.group.Wait()
		close(m.raw)
		<-m.pumpDone
		close(m.conditions)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status lists every local shard in ascending order.
func (m *Manager) Status() []shard.Status {
	out := make([]shard.Status, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.runners[id].runner.Status())
	}
	return out
}

func (m *Manager) ShardStatus(id int) (shard.Status, error) {
	ms, ok := m.runners[id]
	if !ok {
		return shard.Status{}, fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	return ms.runner.Status(), nil
}

// Ready reports whether every local shard is connected.
func (m *Manager) Ready() bool {
	for _, st := range m.Status() {
		if st.State != session.StateConnected {
			return false
		}
	}
	return len(m.ids) > 0
}

func (m *Manager) Send(ctx context.Context, id int, cmd session.Command) error {
	ms, ok := m.runners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	return ms.runner.Send(ctx, cmd)
}

// Restart drops the shard's session and reconnects it with a fresh identify.
// Fatally closed shards are restarted too, since this is an explicit request.
func (m *Manager) Restart(id int) error {
	ms, ok := m.runners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	if !m.started.Load() || m.stopped.Load() {
		return ErrNotStarted
	}
	ms.mu.Lock()
	if ms.fatal {
		ms.mu.Unlock()
		// Shutdown cancels under ctxMu before closing conditions.
		m.ctxMu.Lock()
		defer m.ctxMu.Unlock()
		if m.ctx.Err() != nil {
			return ErrNotStarted
		}
		ms.mu.Lock()
		if !ms.fatal {
			ms.mu.Unlock()
			return nil
		}
		if err := ms.runner.Reset(); err != nil {
			ms.mu.Unlock()
			return err
		}
		ms.fatal = false
		ms.mu.Unlock()
		m.report(id, ConditionShardRestarting, errors.New("restart requested after fatal close"))
		ctx := m.ctx
		m.group.Go(func() error {
			return m.supervise(ctx, id, ms)
		})
		return nil
	}
	ms.restart = true
	cancel := ms.cancel
	ms.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// UpdateMaxConcurrency changes the identify cap at runtime.
func (m *Manager) UpdateMaxConcurrency(n int) {
	m.registry.SetMaxConcurrency(n)
}

func (m *Manager) supervise(ctx context.Context, id int, ms *managed) error {
	for {
		runCtx, cancel := context.WithCancel(ctx)
		ms.setCancel(cancel)
		err := ms.runner.Run(runCtx)
		cancel()
		ms.setCancel(nil)

		if ctx.Err() != nil {
			return nil
		}
		if ms.takeRestart() {
			m.report(id, ConditionShardRestarting, errors.New("restart requested"))
			if rerr := ms.runner.Reset(); rerr != nil {
				m.logger.Warn().Err(rerr).Int("shard", id).Msg("fleet.Manager reset")
			}
			continue
		}

		var fatal *shard.FatalError
		if errors.As(err, &fatal) {
			ms.mu.Lock()
			ms.fatal = true
			ms.mu.Unlock()
			m.report(id, ConditionShardFatal, err)
			return nil
		}
		kind := ConditionShardRestarting
		if errors.Is(err, faults.ErrCapacityExceeded) {
			kind = ConditionCapacity
		}
		if err == nil {
			err = errors.New("runner exited")
		}
		m.report(id, kind, err)
		if rerr := ms.runner.Reset(); rerr != nil {
			m.logger.Warn().Err(rerr).Int("shard", id).Msg("fleet.Manager reset")
		}

		timer := m.clock.NewTimer(m.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}
	}
}

func (m *Manager) report(id int, kind ConditionKind, err error) {
	c := Condition{
		ID:    uuid.NewString(),
		Shard: id,
		Kind:  kind,
		Class: faults.Classify(err),
		At:    m.clock.Now(),
		Err:   err,
	}
	if err != nil {
		c.Message = err.Error()
	}
	m.logger.Warn().Int("shard", id).Str("kind", string(kind)).Err(err).Msg("fleet.Manager condition")

	m.histMu.Lock()
	m.history = append(m.history, c)
	if len(m.history) > conditionHistory {
		m.history = m.history[len(m.history)-conditionHistory:]
	}
	m.histMu.Unlock()

	select {
	case m.conditions <- c:
	default:
	}
}

// pump forwards runner events outward, materializing dispatches first.
func (m *Manager) pump(ctx context.Context) {
	defer close(m.pumpDone)
	defer close(m.events)
	for ev := range m.raw {
		if d, ok := ev.(*session.Dispatch); ok && m.materializer != nil {
			if err := m.materializer.Materialize(ctx, d); err != nil {
				m.report(d.Shard, ConditionMaterializer, err)
			}
		}
		select {
		case m.events <- ev:
		case <-ctx.Done():
		}
	}
}
