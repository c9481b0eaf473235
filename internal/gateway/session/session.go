package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/gatectl/internal/faults"
	"github.com/danmuck/gatectl/internal/gateway/wire"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected       = fmt.Errorf("session: %w", faults.ErrNotConnected)
	ErrFatallyClosed      = errors.New("session: fatally closed")
	ErrInvalidTransition  = errors.New("session: invalid state transition")
	ErrHandshakeStale     = errors.New("session: handshake no longer expected")
	ErrHeartbeatTimeout   = fmt.Errorf("session: heartbeat ack missed %d times: %w", maxMissedAcks, faults.ErrTransport)
	ErrReconnectRequested = fmt.Errorf("session: server requested reconnect: %w", faults.ErrTransport)
	ErrResumeRequested    = fmt.Errorf("session: caller requested resume: %w", faults.ErrTransport)
	ErrTooManyViolations  = errors.New("session: protocol violation threshold exceeded")
)

// Result is what the runner must do after one Session input, applied in field
// order: wait Delay, send Send, pass the identify gate when Identify is set, emit
// Events, then honor Reconnect or Fatal.
type Result struct {
	Send      []wire.Envelope
	Events    []Event
	Identify  bool
	Delay     time.Duration
	Hello     *wire.Hello
	Reconnect *Reconnect
	Fatal     error
}

// Reconnect tells the runner to drop the transport.
type Reconnect struct {
	Reason error
	Resume bool
}

// Snapshot is a read-only copy of session state for observability.
type Snapshot struct {
	Shard             ShardInfo     `json:"shard"`
	State             string        `json:"state"`
	SessionID         string        `json:"session_id,omitempty"`
	Seq               int64         `json:"seq"`
	HasSeq            bool          `json:"has_seq"`
	ResumeURL         string        `json:"resume_url,omitempty"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	Latency           time.Duration `json:"latency"`
	LastAck           time.Time     `json:"last_ack"`
	MissedAcks        int           `json:"missed_acks"`
	Violations        int           `json:"violations"`
}

type Option func(*Session)

func WithClock(c clockwork.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithJitter overrides the [0,1) source used for the first heartbeat offset and
// the invalid-session delay.
func WithJitter(f func() float64) Option {
	return func(s *Session) {
		if f != nil {
			s.jitter = f
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// Session is the per-connection protocol state of one shard.
type Session struct {
	cfg    Config
	shard  ShardInfo
	clock  clockwork.Clock
	jitter func() float64
	logger zerolog.Logger

	state      State
	sessionID  string
	seq        int64
	hasSeq     bool
	resumeURL  string
	hb         heartbeat
	violations int
}

func New(shard ShardInfo, cfg Config, opts ...Option) (*Session, error) {
	if err := shard.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(shard.ID)))
	s := &Session{
		cfg:    cfg,
		shard:  shard,
		clock:  clockwork.NewRealClock(),
		jitter: rng.Float64,
		logger: log.Logger.With().Str("component", "session").Int("shard", shard.ID).Logger(),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) Shard() ShardInfo {
	return s.shard
}

// CanResume reports whether a prior session token and sequence are held.
func (s *Session) CanResume() bool {
	return s.sessionID != "" && s.hasSeq
}

// GatewayURL picks the resume URL issued by the server when a resume is possible.
func (s *Session) GatewayURL(fallback string) string {
	if s.CanResume() && s.resumeURL != "" {
		return s.resumeURL
	}
	return fallback
}

// NextHeartbeat returns when the next beat is due.
func (s *Session) NextHeartbeat() (time.Time, bool) {
	if !s.hb.running() {
		return time.Time{}, false
	}
	return s.hb.next, true
}

func (s *Session) HeartbeatInterval() time.Duration {
	return s.hb.interval
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Shard:             s.shard,
		State:             s.state.String(),
		SessionID:         s.sessionID,
		Seq:               s.seq,
		HasSeq:            s.hasSeq,
		ResumeURL:         s.resumeURL,
		HeartbeatInterval: s.hb.interval,
		Latency:           s.hb.latency,
		LastAck:           s.hb.lastAck,
		MissedAcks:        s.hb.missed,
		Violations:        s.violations,
	}
}

// Invalidate forgets the session token and sequence so the next handshake is a
// fresh identify.
func (s *Session) Invalidate() {
	s.sessionID = ""
	s.seq = 0
	s.hasSeq = false
	s.resumeURL = ""
}

// Connect starts a connection attempt.
func (s *Session) Connect() error {
	switch s.state {
	case StateDisconnected, StateReconnecting:
		s.state = StateConnecting
		return nil
	case StateFatallyClosed:
		return ErrFatallyClosed
	default:
		return fmt.Errorf("%w: connect from %s", ErrInvalidTransition, s.state)
	}
}

// TransportEstablished records a dialed transport; the server greeting is next.
func (s *Session) TransportEstablished() error {
	if s.state != StateConnecting {
		return fmt.Errorf("%w: transport established in %s", ErrInvalidTransition, s.state)
	}
	s.state = StateAwaitingHello
	s.hb.stop()
	return nil
}

// Disconnect records an orderly local close. The session token is kept.
func (s *Session) Disconnect() {
	if s.state == StateFatallyClosed {
		return
	}
	s.state = StateDisconnected
	s.hb.stop()
}

// Fail records a transport failure detected by the runner (dial, write, watchdog).
func (s *Session) Fail(reason error) Result {
	if s.state == StateFatallyClosed {
		return Result{Fatal: ErrFatallyClosed}
	}
	s.state = StateReconnecting
	s.hb.stop()
	return Result{Reconnect: &Reconnect{Reason: reason, Resume: s.CanResume()}}
}

// Violation records an inbound frame that could not be decoded.
func (s *Session) Violation(err error) Result {
	if s.state == StateFatallyClosed {
		return Result{Fatal: ErrFatallyClosed}
	}
	return s.violation(err, false)
}

// HandleClose classifies a remote close code. Code 0 means no close frame was seen.
func (s *Session) HandleClose(code int, cause error) Result {
	if s.state == StateFatallyClosed {
		return Result{Fatal: ErrFatallyClosed}
	}
	switch classifyClose(code) {
	case closeFatalAuth:
		return s.fatal(fmt.Errorf("%w: close code %d: %v", faults.ErrAuthentication, code, cause))
	case closeFatalConfig:
		return s.fatal(fmt.Errorf("%w: close code %d: %v", faults.ErrFatalConfig, code, cause))
	case closeFreshIdentify:
		s.Invalidate()
	}
	if cause == nil {
		cause = errors.New("transport closed")
	}
	return s.Fail(fmt.Errorf("%w: close code %d: %v", faults.ErrTransport, code, cause))
}

// Handle applies one inbound envelope.
func (s *Session) Handle(env wire.Envelope) Result {
	if s.state == StateFatallyClosed {
		return Result{Fatal: ErrFatallyClosed}
	}
	switch env.Op {
	case wire.OpHello:
		return s.handleHello(env)
	case wire.OpDispatch:
		return s.handleDispatch(env)
	case wire.OpHeartbeat:
		if !s.hb.running() {
			return s.violation(fmt.Errorf("%w: heartbeat request before hello", faults.ErrProtocolViolation), false)
		}
		return Result{Send: []wire.Envelope{s.heartbeatFrame()}}
	case wire.OpHeartbeatAck:
		latency := s.hb.acked(s.clock.Now())
		return Result{Events: []Event{&HeartbeatAcked{Shard: s.shard.ID, Latency: latency}}}
	case wire.OpReconnect:
		s.logger.Info().Msg("session.Handle server requested reconnect")
		return s.Fail(ErrReconnectRequested)
	case wire.OpInvalidSession:
		return s.handleInvalidSession(env)
	default:
		s.logger.Warn().Int("op", int(env.Op)).Str("opcode", env.Op.String()).Msg("session.Handle ignoring opcode")
		return Result{}
	}
}

func (s *Session) handleHello(env wire.Envelope) Result {
	if s.state != StateAwaitingHello {
		return s.violation(fmt.Errorf("%w: hello in state %s", faults.ErrProtocolViolation, s.state), false)
	}
	var hello wire.Hello
	if err := env.DecodeData(&hello); err != nil {
		return s.violation(err, false)
	}
	if hello.HeartbeatInterval <= 0 {
		return s.violation(fmt.Errorf("%w: hello heartbeat_interval=%d", faults.ErrProtocolViolation, hello.HeartbeatInterval), false)
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	s.hb.start(s.clock.Now(), interval, s.jitter())

	res := Result{Hello: &hello}
	if s.CanResume() {
		s.state = StateResuming
		frame, err := s.resumeFrame()
		if err != nil {
			return s.violation(err, true)
		}
		res.Send = []wire.Envelope{frame}
		return res
	}
	s.state = StateIdentifying
	res.Identify = true
	return res
}

func (s *Session) handleDispatch(env wire.Envelope) Result {
	if !s.state.handshaking() {
		return s.violation(fmt.Errorf("%w: dispatch in state %s", faults.ErrProtocolViolation, s.state), false)
	}
	if env.Seq != nil {
		next := *env.Seq
		if s.hasSeq && next <= s.seq {
			return s.violation(fmt.Errorf("%w: sequence %d not after %d", faults.ErrProtocolViolation, next, s.seq), true)
		}
		if s.hasSeq && next > s.seq+1 {
			return s.violation(fmt.Errorf("%w: sequence gap %d after %d", faults.ErrProtocolViolation, next, s.seq), true)
		}
		s.seq = next
		s.hasSeq = true
	}

	var res Result
	switch {
	case env.Type == wire.EventReady:
		var ready wire.Ready
		if err := env.DecodeData(&ready); err != nil {
			return s.violation(err, true)
		}
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeGatewayURL
		if s.state == StateIdentifying {
			res.Events = append(res.Events, s.connected(false))
		}
	case env.Type == wire.EventResumed && s.state == StateResuming:
		res.Events = append(res.Events, s.connected(true))
	case s.state == StateIdentifying:
		s.logger.Warn().Str("event", env.Type).Msg("session.handleDispatch first dispatch was not READY")
		res.Events = append(res.Events, s.connected(false))
	}
	res.Events = append(res.Events, &Dispatch{
		Shard: s.shard.ID,
		Seq:   s.seq,
		Name:  env.Type,
		Data:  env.Data,
	})
	return res
}

func (s *Session) connected(resumed bool) Event {
	s.state = StateConnected
	s.violations = 0
	return &Connected{Shard: s.shard.ID, SessionID: s.sessionID, Resumed: resumed}
}

func (s *Session) handleInvalidSession(env wire.Envelope) Result {
	if !s.state.handshaking() {
		return s.violation(fmt.Errorf("%w: invalid session in state %s", faults.ErrProtocolViolation, s.state), false)
	}
	var resumable bool
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &resumable); err != nil {
			return s.violation(fmt.Errorf("%w: invalid session flag: %v", faults.ErrProtocolViolation, err), false)
		}
	}
	// The remote side expects a short random pause before the next handshake.
	delay := time.Second + time.Duration(s.jitter()*float64(4*time.Second))
	s.logger.Info().Bool("resumable", resumable).Dur("delay", delay).Msg("session.handleInvalidSession")

	if resumable && s.CanResume() {
		s.state = StateResuming
		frame, err := s.resumeFrame()
		if err != nil {
			return s.violation(err, true)
		}
		return Result{Send: []wire.Envelope{frame}, Delay: delay}
	}
	s.Invalidate()
	s.state = StateIdentifying
	return Result{Identify: true, Delay: delay}
}

// HeartbeatDue is called when NextHeartbeat has elapsed.
func (s *Session) HeartbeatDue(now time.Time) Result {
	if !s.hb.running() || !s.state.handshaking() {
		return Result{}
	}
	if s.hb.due() {
		s.logger.Warn().Int("missed", s.hb.missed).Msg("session.HeartbeatDue ack timeout")
		return s.Fail(ErrHeartbeatTimeout)
	}
	return Result{Send: []wire.Envelope{s.heartbeatFrameAt(now)}}
}

// IdentifyFrame builds the identify payload once the runner cleared the identify
// gate. Any previous session token and sequence are dropped.
func (s *Session) IdentifyFrame() (wire.Envelope, error) {
	if s.state != StateIdentifying {
		return wire.Envelope{}, fmt.Errorf("%w: identify in %s", ErrHandshakeStale, s.state)
	}
	s.Invalidate()
	shard := [2]int{s.shard.ID, s.shard.Total}
	return wire.NewEnvelope(wire.OpIdentify, wire.Identify{
		Token:          s.cfg.Token,
		Properties:     s.cfg.Properties,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          &shard,
		Presence:       s.cfg.Presence,
		Intents:        s.cfg.Intents,
	})
}

// Command validates and encodes one caller command.
func (s *Session) Command(cmd Command) (Result, error) {
	if cmd == nil {
		return Result{}, fmt.Errorf("session: nil command")
	}
	if s.state != StateConnected {
		return Result{}, fmt.Errorf("%w: %s in state %s", ErrNotConnected, cmd.Opcode(), s.state)
	}
	switch cmd.(type) {
	case ResumeCommand, *ResumeCommand:
		return s.Fail(ErrResumeRequested), nil
	}
	if cmd.Opcode() == wire.OpPresenceUpdate {
		if p, ok := commandPayload(cmd).(wire.PresenceUpdate); ok {
			s.cfg.Presence = &p
		}
	}
	env, err := wire.NewEnvelope(cmd.Opcode(), commandPayload(cmd))
	if err != nil {
		return Result{}, err
	}
	return Result{Send: []wire.Envelope{env}}, nil
}

func (s *Session) resumeFrame() (wire.Envelope, error) {
	return wire.NewEnvelope(wire.OpResume, wire.Resume{
		Token:     s.cfg.Token,
		SessionID: s.sessionID,
		Seq:       s.seq,
	})
}

func (s *Session) heartbeatFrame() wire.Envelope {
	return s.heartbeatFrameAt(s.clock.Now())
}

func (s *Session) heartbeatFrameAt(now time.Time) wire.Envelope {
	s.hb.sent(now)
	data := json.RawMessage("null")
	if s.hasSeq {
		data = json.RawMessage(fmt.Sprintf("%d", s.seq))
	}
	return wire.Envelope{Op: wire.OpHeartbeat, Data: data}
}

// violation tears the connection down; invalidate forces a fresh identify.
func (s *Session) violation(err error, invalidate bool) Result {
	s.violations++
	s.logger.Warn().Err(err).Int("violations", s.violations).Msg("session protocol violation")
	if s.violations > s.cfg.MaxProtocolViolations {
		return s.fatal(fmt.Errorf("%w (%d): %w", ErrTooManyViolations, s.violations, err))
	}
	if invalidate {
		s.Invalidate()
	}
	return s.Fail(err)
}

func (s *Session) fatal(err error) Result {
	s.state = StateFatallyClosed
	s.hb.stop()
	s.logger.Error().Err(err).Msg("session fatally closed")
	return Result{Fatal: err}
}
