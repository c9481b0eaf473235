package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/gatectl/internal/faults"
	"github.com/danmuck/gatectl/internal/gateway/wire"
	"github.com/gorilla/websocket"
)

var ErrClosed = fmt.Errorf("transport: connection closed: %w", faults.ErrTransport)

// CloseError is a close frame received from the remote side.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: closed by remote code=%d reason=%q", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	return faults.ErrTransport
}

// CloseCode extracts the remote close code from err, or 0.
func CloseCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadLimit caps one inbound frame in bytes; 0 disables the cap.
	ReadLimit int64
	TLS       TLSConfig
	Header    http.Header
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        16 << 20,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadLimit < 0 {
		c.ReadLimit = 0
	}
	return c
}

// Dialer opens websocket connections.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) (*Dialer, error) {
	cfg = cfg.WithDefaults()
	tlsCfg, err := cfg.TLS.Build()
	if err != nil {
		return nil, err
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  tlsCfg,
		},
	}, nil
}

// Dial connects to url. Failures wrap faults.ErrTransport.
func (d *Dialer) Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, d.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status=%d: %v", faults.ErrTransport, url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", faults.ErrTransport, url, err)
	}
	if d.cfg.ReadLimit > 0 {
		ws.SetReadLimit(d.cfg.ReadLimit)
	}
	return &Conn{ws: ws, writeTimeout: d.cfg.WriteTimeout}, nil
}

// Conn is one websocket connection. NextFrame may run on one goroutine while
// WriteEnvelope runs on another; neither is safe for concurrent use with itself.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NextFrame implements wire.FrameSource.
func (c *Conn) NextFrame() (bool, io.Reader, error) {
	mt, r, err := c.ws.NextReader()
	if err != nil {
		return false, nil, mapReadErr(err)
	}
	return mt == websocket.BinaryMessage, r, nil
}

func (c *Conn) WriteEnvelope(env wire.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: write %s: %v", faults.ErrTransport, env.Op, err)
	}
	return nil
}

// Close sends a close frame with code and tears the connection down. Later calls
// return the first result.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		cerr := c.ws.Close()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			c.closeErr = werr
			return
		}
		c.closeErr = cerr
	})
	return c.closeErr
}

func mapReadErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: read: %v", faults.ErrTransport, err)
}
