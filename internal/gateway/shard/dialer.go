package shard

import (
	"context"

	"github.com/danmuck/gatectl/internal/gateway/transport"
	"github.com/danmuck/gatectl/internal/gateway/wire"
)

// Conn is one live transport.
type Conn interface {
	wire.FrameSource
	WriteEnvelope(env wire.Envelope) error
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// IdentifyGate admits identify handshakes; it may block until a slot is free.
type IdentifyGate interface {
	WaitIdentify(ctx context.Context, shardID int) error
}

// ConcurrencyObserver is implemented by gates that learn the identify
// concurrency from the greeting.
type ConcurrencyObserver interface {
	ObserveMaxConcurrency(n int)
}

type websocketDialer struct {
	d *transport.Dialer
}

// WebsocketDialer adapts a transport.Dialer.
func WebsocketDialer(d *transport.Dialer) Dialer {
	return websocketDialer{d: d}
}

func (w websocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, err := w.d.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type openGate struct{}

func (openGate) WaitIdentify(ctx context.Context, _ int) error {
	return ctx.Err()
}
