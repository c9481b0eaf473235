package shard

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/gatectl/internal/backoff"
	"github.com/danmuck/gatectl/internal/faults"
	"github.com/danmuck/gatectl/internal/gateway/session"
	"github.com/danmuck/gatectl/internal/gateway/transport"
	"github.com/danmuck/gatectl/internal/gateway/wire"
	"github.com/danmuck/gatectl/internal/testutil/testlog"
	"github.com/gorilla/websocket"
)

const testToken = "shard-token"

// fakeGateway hands every accepted websocket to the test goroutine.
type fakeGateway struct {
	srv   *httptest.Server
	url   string
	conns chan *gatewayConn
}

type gatewayConn struct {
	ws   *websocket.Conn
	done chan struct{}
	zw   *zlib.Writer
	zbuf bytes.Buffer
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	gw := &fakeGateway{conns: make(chan *gatewayConn, 8)}
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var open []*gatewayConn
	gw.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		gc := &gatewayConn{ws: ws, done: make(chan struct{})}
		if r.URL.Query().Get("compress") == "zlib-stream" {
			gc.zw = zlib.NewWriter(&gc.zbuf)
		}
		mu.Lock()
		open = append(open, gc)
		mu.Unlock()
		gw.conns <- gc
		<-gc.done
		_ = ws.Close()
	}))
	gw.url = "ws" + strings.TrimPrefix(gw.srv.URL, "http")
	t.Cleanup(func() {
		mu.Lock()
		for _, gc := range open {
			gc.finish()
		}
		mu.Unlock()
		gw.srv.Close()
	})
	return gw
}

func (gw *fakeGateway) accept(t *testing.T) *gatewayConn {
	t.Helper()
	select {
	case gc := <-gw.conns:
		return gc
	case <-time.After(5 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

func (gc *gatewayConn) finish() {
	select {
	case <-gc.done:
	default:
		close(gc.done)
	}
}

func (gc *gatewayConn) send(t *testing.T, op wire.Opcode, d any, seq int64, name string) {
	t.Helper()
	env, err := wire.NewEnvelope(op, d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if seq > 0 {
		env.Seq = &seq
		env.Type = name
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if gc.zw != nil {
		gc.zbuf.Reset()
		_, _ = gc.zw.Write(raw)
		if err := gc.zw.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		if err := gc.ws.WriteMessage(websocket.BinaryMessage, gc.zbuf.Bytes()); err != nil {
			t.Fatalf("server write: %v", err)
		}
		return
	}
	if err := gc.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (gc *gatewayConn) hello(t *testing.T, intervalMS int64, maxConcurrency int) {
	gc.send(t, wire.OpHello, wire.Hello{HeartbeatInterval: intervalMS, MaxConcurrency: maxConcurrency}, 0, "")
}

func (gc *gatewayConn) dispatch(t *testing.T, seq int64, name string, d any) {
	gc.send(t, wire.OpDispatch, d, seq, name)
}

// readOp returns the next client frame with op, skipping heartbeats.
func (gc *gatewayConn) readOp(t *testing.T, op wire.Opcode) wire.Envelope {
	t.Helper()
	_ = gc.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := gc.ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", op, err)
		}
		env, err := wire.Unmarshal(raw)
		if err != nil {
			t.Fatalf("decode client frame: %v", err)
		}
		if env.Op == op {
			return env
		}
		if env.Op != wire.OpHeartbeat {
			t.Fatalf("expected %s, got %s", op, env.Op)
		}
	}
}

// readClose drains client frames until the close frame and returns its code.
func (gc *gatewayConn) readClose(t *testing.T) int {
	t.Helper()
	_ = gc.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := gc.ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("expected close frame, got %v", err)
		return 0
	}
}

func (gc *gatewayConn) closeWith(code int) {
	_ = gc.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "test"), time.Now().Add(time.Second))
	gc.finish()
}

type recordingGate struct {
	mu       sync.Mutex
	calls    []int
	observed int
}

func (g *recordingGate) WaitIdentify(ctx context.Context, shardID int) error {
	g.mu.Lock()
	g.calls = append(g.calls, shardID)
	g.mu.Unlock()
	return ctx.Err()
}

func (g *recordingGate) ObserveMaxConcurrency(n int) {
	g.mu.Lock()
	g.observed = n
	g.mu.Unlock()
}

func testConfig(url string) Config {
	return Config{
		Shard:       session.ShardInfo{ID: 0, Total: 1},
		Session:     session.Config{Token: testToken, Intents: 1},
		GatewayURL:  url,
		Compression: wire.CompressionNone,
		Backoff:     backoff.Config{InitialDelay: 5 * time.Millisecond, Multiplier: 1},
	}
}

func newTestRunner(t *testing.T, cfg Config, opts ...Option) *Runner {
	t.Helper()
	d, err := transport.NewDialer(transport.Config{HandshakeTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	opts = append([]Option{WithJitter(func() float64 { return 0 })}, opts...)
	r, err := New(cfg, WebsocketDialer(d), opts...)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func waitEvent[T session.Event](t *testing.T, events <-chan session.Event, match func(T) bool) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok && (match == nil || match(typed)) {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitState(t *testing.T, r *Runner, want session.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runner never reached %s (now %s)", want, r.Status().StateName)
}

func startRunner(r *Runner) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	return cancel, errc
}

func handshake(t *testing.T, gc *gatewayConn, resumeURL string) {
	t.Helper()
	gc.hello(t, 1000, 0)
	gc.readOp(t, wire.OpIdentify)
	gc.dispatch(t, 1, wire.EventReady, wire.Ready{Version: 10, SessionID: "sess-a", ResumeGatewayURL: resumeURL})
}

func TestRunnerIdentifyDispatchAndShutdown(t *testing.T) {
	testlog.Start(t)
	gw := newFakeGateway(t)
	events := make(chan session.Event, 256)
	r := newTestRunner(t, testConfig(gw.url), WithEvents(events))
	cancel, errc := startRunner(r)
	defer cancel()

	gc := gw.accept(t)
	gc.hello(t, 1000, 0)
	env := gc.readOp(t, wire.OpIdentify)
	var identify wire.Identify
	if err := json.Unmarshal(env.Data, &identify); err != nil {
		t.Fatalf("decode identify: %v", err)
	}
	if identify.Token != testToken || identify.Shard == nil || identify.Shard[1] != 1 {
		t.Fatalf("unexpected identify %+v", identify)
	}
	gc.dispatch(t, 1, wire.EventReady, wire.Ready{SessionID: "sess-a", ResumeGatewayURL: gw.url})
	gc.dispatch(t, 2, "MESSAGE_CREATE", map[string]string{"id": "m1"})

	connected := waitEvent[*session.Connected](t, events, nil)
	if connected.Resumed || connected.SessionID != "sess-a" {
		t.Fatalf("unexpected connected event %+v", connected)
	}
	var seqs []int64
	for len(seqs) < 2 {
		d := waitEvent[*session.Dispatch](t, events, nil)
		seqs = append(seqs, d.Seq)
	}
	if seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("expected dispatches in wire order, got %v", seqs)
	}

	waitState(t, r, session.StateConnected)
	if err := r.Send(context.Background(), session.PresenceCommand{Presence: wire.PresenceUpdate{Status: "dnd"}}); err != nil {
		t.Fatalf("send presence: %v", err)
	}
	presence := gc.readOp(t, wire.OpPresenceUpdate)
	if !strings.Contains(string(presence.Data), `"dnd"`) {
		t.Fatalf("unexpected presence frame %s", presence.Data)
	}

	cancel()
	if code := gc.readClose(t); code != session.CloseNormal {
		t.Fatalf("expected orderly close 1000, got %d", code)
	}
	if err := <-errc; err != nil {
		t.Fatalf("run returned %v on shutdown", err)
	}
	if st := r.Status(); st.Running || st.State != session.StateDisconnected {
		t.Fatalf("unexpected status after shutdown %+v", st)
	}
}

func TestRunnerResumesAfterTransientClose(t *testing.T) {
	testlog.Start(t)
	gw := newFakeGateway(t)
	events := make(chan session.Event, 256)
	r := newTestRunner(t, testConfig(gw.url), WithEvents(events))
	cancel, errc := startRunner(r)
	defer cancel()

	gc := gw.accept(t)
	handshake(t, gc, gw.url)
	gc.dispatch(t, 2, "GUILD_CREATE", map[string]string{"id": "g"})
	waitEvent[*session.Dispatch](t, events, func(d *session.Dispatch) bool { return d.Seq == 2 })
	gc.closeWith(session.CloseUnknownError)

	disc := waitEvent[*session.Disconnected](t, events, nil)
	if !disc.Resume || !errors.Is(disc.Reason, faults.ErrTransport) {
		t.Fatalf("expected resumable transport disconnect, got %+v", disc)
	}

	gc2 := gw.accept(t)
	gc2.hello(t, 1000, 0)
	env := gc2.readOp(t, wire.OpResume)
	var resume wire.Resume
	if err := json.Unmarshal(env.Data, &resume); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if resume.Token != testToken || resume.SessionID != "sess-a" || resume.Seq != 2 {
		t.Fatalf("unexpected resume %+v", resume)
	}
	gc2.dispatch(t, 3, wire.EventResumed, map[string]any{})
	connected := waitEvent[*session.Connected](t, events, func(c *session.Connected) bool { return c.Resumed })
	if connected.SessionID != "sess-a" {
		t.Fatalf("unexpected resumed session %q", connected.SessionID)
	}
	if r.Status().Reconnects != 1 {
		t.Fatalf("expected one reconnect, got %d", r.Status().Reconnects)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunnerStopsOnAuthenticationFailure(t *testing.T) {
	testlog.Start(t)
	gw := newFakeGateway(t)
	events := make(chan session.Event, 256)
	r := newTestRunner(t, testConfig(gw.url), WithEvents(events))
	cancel, errc := startRunner(r)
	defer cancel()

	gc := gw.accept(t)
	gc.hello(t, 1000, 0)
	gc.readOp(t, wire.OpIdentify)
	gc.closeWith(session.CloseAuthenticationFailed)

	var err error
	select {
	case err = <-errc:
	case <-time.After(5 * time.Second):
		t.Fatalf("runner kept retrying after authentication failure")
	}
	var fatal *FatalError
	if !errors.As(err, &fatal) || !errors.Is(err, faults.ErrAuthentication) {
		t.Fatalf("expected fatal authentication error, got %v", err)
	}
	waitEvent[*session.Fatal](t, events, nil)
	if r.Status().State != session.StateFatallyClosed {
		t.Fatalf("expected fatally closed, got %s", r.Status().StateName)
	}
	select {
	case <-gw.conns:
		t.Fatalf("runner reconnected after fatal close")
	default:
	}
}

func TestRunnerReconnectsAfterMissedAcks(t *testing.T) {
	testlog.Start(t)
	gw := newFakeGateway(t)
	r := newTestRunner(t, testConfig(gw.url))
	cancel, errc := startRunner(r)
	defer cancel()

	gc := gw.accept(t)
	gc.hello(t, 40, 0)
	gc.readOp(t, wire.OpIdentify)
	gc.dispatch(t, 1, wire.EventReady, wire.Ready{SessionID: "sess-a"})
	if code := gc.readClose(t); code != session.CloseResumable {
		t.Fatalf("expected resumable close after missed acks, got %d", code)
	}
	gc.finish()

	gc2 := gw.accept(t)
	gc2.hello(t, 1000, 0)
	gc2.readOp(t, wire.OpResume)

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunnerInvalidSessionReidentifies(t *testing.T) {
	testlog.Start(t)
	gw := newFakeGateway(t)
	gate := &recordingGate{}
	r := newTestRunner(t, testConfig(gw.url), WithIdentifyGate(gate))
	cancel, errc := startRunner(r)
	defer cancel()

	gc := gw.accept(t)
	gc.hello(t, 1000, 3)
	gc.readOp(t, wire.OpIdentify)
	gc.dispatch(t, 1, wire.EventReady, wire.Ready{SessionID: "sess-a"})
	waitState(t, r, session.StateConnected)

	gc.send(t, wire.OpInvalidSession, false, 0, "")
	start := time.Now()
	env := gc.readOp(t, wire.OpIdentify)
	if time.Since(start) < 900*time.Millisecond {
		t.Fatalf("identify was not delayed after invalid session")
	}
	var identify wire.Identify
	_ = json.Unmarshal(env.Data, &identify)
	if identify.Token != testToken {
		t.Fatalf("unexpected identify %+v", identify)
	}

	gate.mu.Lock()
	calls, observed := len(gate.calls), gate.observed
	gate.mu.Unlock()
	if calls != 2 || observed != 3 {
		t.Fatalf("expected two gated identifies and max_concurrency=3, got calls=%d observed=%d", calls, observed)
	}
	cancel()
	<-errc
}

func TestRunnerZlibStream(t *testing.T) {
	testlog.Start(t)
	gw := newFakeGateway(t)
	cfg := testConfig(gw.url)
	cfg.Compression = wire.CompressionZlibStream
	events := make(chan session.Event, 256)
	r := newTestRunner(t, cfg, WithEvents(events))
	cancel, errc := startRunner(r)
	defer cancel()

	gc := gw.accept(t)
	if gc.zw == nil {
		t.Fatalf("expected zlib-stream query on gateway url")
	}
	handshake(t, gc, "")
	gc.dispatch(t, 2, "TYPING_START", map[string]string{"channel_id": "c"})
	d := waitEvent[*session.Dispatch](t, events, func(d *session.Dispatch) bool { return d.Seq == 2 })
	if d.Name != "TYPING_START" {
		t.Fatalf("unexpected dispatch %+v", d)
	}
	cancel()
	<-errc
}

func TestRunnerGivesUpAfterMaxReconnectAttempts(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxReconnectAttempts = 2
	r := newTestRunner(t, cfg)
	err := r.Run(context.Background())
	if !errors.Is(err, faults.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	if r.Status().Reconnects != 3 {
		t.Fatalf("expected three recorded failures, got %d", r.Status().Reconnects)
	}
}

func TestRunnerSendRequiresConnectedSession(t *testing.T) {
	testlog.Start(t)
	r := newTestRunner(t, testConfig("ws://127.0.0.1:1"))
	err := r.Send(context.Background(), session.PresenceCommand{})
	if !errors.Is(err, faults.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestRunnerResetRefusedWhileRunning(t *testing.T) {
	testlog.Start(t)
	gw := newFakeGateway(t)
	r := newTestRunner(t, testConfig(gw.url))
	cancel, errc := startRunner(r)
	gw.accept(t)
	waitState(t, r, session.StateAwaitingHello)
	if err := r.Reset(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected reset to be refused, got %v", err)
	}
	cancel()
	<-errc
	if err := r.Reset(); err != nil {
		t.Fatalf("reset after stop: %v", err)
	}
}

func TestRunnerRedialsWhenHelloNeverArrives(t *testing.T) {
	testlog.Start(t)
	gw := newFakeGateway(t)
	events := make(chan session.Event, 256)
	cfg := testConfig(gw.url)
	cfg.HelloTimeout = 50 * time.Millisecond
	r := newTestRunner(t, cfg, WithEvents(events))
	cancel, errc := startRunner(r)
	defer cancel()

	gc := gw.accept(t)
	if code := gc.readClose(t); code != session.CloseNormal {
		t.Fatalf("expected close 1000 after hello timeout, got %d", code)
	}
	gc.finish()
	disc := waitEvent[*session.Disconnected](t, events, nil)
	if !errors.Is(disc.Reason, ErrHelloTimeout) || disc.Resume {
		t.Fatalf("expected non-resumable hello timeout, got %+v", disc)
	}

	gc2 := gw.accept(t)
	gc2.hello(t, 1000, 0)
	gc2.readOp(t, wire.OpIdentify)
	if n := r.Status().Reconnects; n < 1 {
		t.Fatalf("expected a recorded reconnect, got %d", n)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunnerWatchdogDropsSilentConnection(t *testing.T) {
	testlog.Start(t)
	gw := newFakeGateway(t)
	events := make(chan session.Event, 256)
	cfg := testConfig(gw.url)
	// One silent interval trips the watchdog before a second ack can be missed.
	cfg.WatchdogMultiple = 1
	r := newTestRunner(t, cfg, WithEvents(events))
	cancel, errc := startRunner(r)
	defer cancel()

	gc := gw.accept(t)
	gc.hello(t, 60, 0)
	gc.readOp(t, wire.OpIdentify)
	gc.dispatch(t, 1, wire.EventReady, wire.Ready{SessionID: "sess-a"})
	if code := gc.readClose(t); code != session.CloseResumable {
		t.Fatalf("expected resumable close after watchdog, got %d", code)
	}
	gc.finish()
	disc := waitEvent[*session.Disconnected](t, events, nil)
	if !errors.Is(disc.Reason, ErrWatchdog) || !disc.Resume {
		t.Fatalf("expected resumable watchdog disconnect, got %+v", disc)
	}

	gc2 := gw.accept(t)
	gc2.hello(t, 1000, 0)
	gc2.readOp(t, wire.OpResume)
	if n := r.Status().Reconnects; n != 1 {
		t.Fatalf("expected one reconnect, got %d", n)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
}
