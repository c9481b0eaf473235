package shard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/gatectl/internal/faults"
	"github.com/danmuck/gatectl/internal/gateway/session"
	"github.com/danmuck/gatectl/internal/gateway/transport"
	"github.com/danmuck/gatectl/internal/gateway/wire"
	"github.com/jonboulle/clockwork"
)

type frame struct {
	env wire.Envelope
	err error
}

// deadline is a re-armable one-shot timer keyed by its target time.
type deadline struct {
	clock clockwork.Clock
	at    time.Time
	timer clockwork.Timer
}

func (d *deadline) set(at time.Time) <-chan time.Time {
	if at.IsZero() {
		d.stop()
		return nil
	}
	if d.timer != nil && at.Equal(d.at) {
		return d.timer.Chan()
	}
	d.stop()
	d.at = at
	d.timer = d.clock.NewTimer(at.Sub(d.clock.Now()))
	return d.timer.Chan()
}

// fired forgets a timer whose channel was drained.
func (d *deadline) fired() {
	d.timer = nil
	d.at = time.Time{}
}

func (d *deadline) stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.fired()
}

// connection is the event loop of one transport. Everything that touches the
// session or writes to the transport runs on this loop.
type connection struct {
	r    *Runner
	s    *session.Session
	conn Conn

	frames     chan frame
	stopRead   chan struct{}
	readerDone chan struct{}

	gateCtx    context.Context
	gateCancel context.CancelFunc
	gateDone   chan error
	gating     bool

	heartbeat deadline
	watchdog  deadline
	hold      deadline
	held      *session.Result

	started   time.Time
	lastFrame time.Time
	helloSeen bool
	connected bool
	closed    bool
}

func newConnection(r *Runner, conn Conn) *connection {
	gateCtx, gateCancel := context.WithCancel(context.Background())
	now := r.clock.Now()
	return &connection{
		r:          r,
		s:          r.sess,
		conn:       conn,
		frames:     make(chan frame),
		stopRead:   make(chan struct{}),
		readerDone: make(chan struct{}),
		gateCtx:    gateCtx,
		gateCancel: gateCancel,
		gateDone:   make(chan error, 1),
		heartbeat:  deadline{clock: r.clock},
		watchdog:   deadline{clock: r.clock},
		hold:       deadline{clock: r.clock},
		started:    now,
		lastFrame:  now,
	}
}

func (c *connection) run(ctx context.Context) outcome {
	go c.read()
	defer c.cleanup()

	for {
		var hbC <-chan time.Time
		if next, ok := c.s.NextHeartbeat(); ok {
			hbC = c.heartbeat.set(next)
		} else {
			c.heartbeat.stop()
		}
		wdC := c.watchdog.set(c.watchdogDeadline())
		var holdC <-chan time.Time
		if c.held != nil {
			holdC = c.hold.timer.Chan()
		}

		var res session.Result
		var reply chan error
		select {
		case <-ctx.Done():
			c.close(session.CloseNormal, "shutdown")
			c.r.stop(ctx)
			return outcome{shutdown: true, connected: c.connected}

		case f := <-c.frames:
			if f.err != nil {
				res = c.frameError(f.err)
				break
			}
			c.lastFrame = c.r.clock.Now()
			res = c.s.Handle(f.env)

		case now := <-hbC:
			c.heartbeat.fired()
			res = c.s.HeartbeatDue(now)

		case <-wdC:
			c.watchdog.fired()
			reason := ErrWatchdog
			if !c.helloSeen {
				reason = ErrHelloTimeout
			}
			res = c.s.Fail(reason)

		case <-holdC:
			c.hold.fired()
			res = *c.held
			c.held = nil

		case err := <-c.gateDone:
			c.gating = false
			res = c.identify(err)

		case req := <-c.r.commands:
			var err error
			res, err = c.s.Command(req.cmd)
			if err != nil {
				req.errc <- err
				continue
			}
			reply = req.errc
		}

		out, done, writeErr := c.apply(ctx, res)
		if reply != nil {
			reply <- writeErr
		}
		if done {
			return out
		}
	}
}

func (c *connection) watchdogDeadline() time.Time {
	if !c.helloSeen {
		return c.started.Add(c.r.cfg.HelloTimeout)
	}
	interval := c.s.HeartbeatInterval()
	return c.lastFrame.Add(interval * time.Duration(c.r.cfg.WatchdogMultiple))
}

func (c *connection) frameError(err error) session.Result {
	code := transport.CloseCode(err)
	if code == 0 && errors.Is(err, faults.ErrProtocolViolation) {
		return c.s.Violation(err)
	}
	return c.s.HandleClose(code, err)
}

func (c *connection) identify(gateErr error) session.Result {
	if gateErr != nil {
		if c.gateCtx.Err() != nil {
			return session.Result{}
		}
		return c.s.Fail(fmt.Errorf("shard: identify gate: %w", gateErr))
	}
	env, err := c.s.IdentifyFrame()
	if err != nil {
		c.r.logger.Debug().Err(err).Msg("shard.connection identify no longer needed")
		return session.Result{}
	}
	c.r.logger.Debug().Msg("shard.connection identify admitted")
	return session.Result{Send: []wire.Envelope{env}}
}

// apply carries out one session result. It reports the first write error so a
// command caller learns its frame never left.
func (c *connection) apply(ctx context.Context, res session.Result) (outcome, bool, error) {
	if res.Hello != nil {
		c.helloSeen = true
		if obs, ok := c.r.gate.(ConcurrencyObserver); ok && res.Hello.MaxConcurrency > 0 {
			obs.ObserveMaxConcurrency(res.Hello.MaxConcurrency)
		}
	}
	if res.Delay > 0 {
		held := session.Result{Send: res.Send, Identify: res.Identify}
		c.held = &held
		c.hold.set(c.r.clock.Now().Add(res.Delay))
		res.Send, res.Identify = nil, false
	}

	var writeErr error
	for _, env := range res.Send {
		if err := c.conn.WriteEnvelope(env); err != nil {
			writeErr = err
			break
		}
	}
	c.r.sync(ctx)
	for _, ev := range res.Events {
		if _, ok := ev.(*session.Connected); ok {
			c.connected = true
			c.r.markConnected()
		}
		c.r.emit(ctx, ev)
	}
	if writeErr != nil && res.Fatal == nil && res.Reconnect == nil {
		res = c.s.Fail(writeErr)
		c.r.sync(ctx)
	}

	if res.Identify && !c.gating {
		c.gating = true
		go func() {
			c.gateDone <- c.r.gate.WaitIdentify(c.gateCtx, c.r.cfg.Shard.ID)
		}()
	}

	switch {
	case res.Fatal != nil:
		c.close(session.CloseNormal, "fatal")
		return outcome{fatal: res.Fatal, connected: c.connected}, true, writeErr
	case res.Reconnect != nil:
		code := session.CloseNormal
		if res.Reconnect.Resume {
			code = session.CloseResumable
		}
		c.close(code, "reconnect")
		return outcome{
			reason:    res.Reconnect.Reason,
			resume:    res.Reconnect.Resume,
			connected: c.connected,
		}, true, writeErr
	}
	return outcome{}, false, writeErr
}

func (c *connection) read() {
	defer close(c.readerDone)
	dec := wire.NewDecoder(c.conn, c.r.cfg.Compression)
	defer dec.Close()
	for {
		env, err := dec.Decode()
		select {
		case c.frames <- frame{env: env, err: err}:
		case <-c.stopRead:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *connection) close(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	if err := c.conn.Close(code, reason); err != nil {
		c.r.logger.Debug().Err(err).Int("code", code).Msg("shard.connection close")
	}
}

func (c *connection) cleanup() {
	c.gateCancel()
	close(c.stopRead)
	c.close(session.CloseResumable, "")
	<-c.readerDone
	c.heartbeat.stop()
	c.watchdog.stop()
	c.hold.stop()
}
