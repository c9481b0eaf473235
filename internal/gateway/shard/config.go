package shard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/gatectl/internal/backoff"
	"github.com/danmuck/gatectl/internal/faults"
	"github.com/danmuck/gatectl/internal/gateway/session"
	"github.com/danmuck/gatectl/internal/gateway/wire"
)

const DefaultAPIVersion = 10

var (
	ErrGatewayURLRequired = errors.New("shard: gateway url required")
	ErrDialerRequired     = errors.New("shard: dialer required")
	ErrAlreadyRunning     = errors.New("shard: runner already running")
	ErrNotConnected       = fmt.Errorf("shard: %w", faults.ErrNotConnected)
	ErrWatchdog           = fmt.Errorf("shard: no inbound frame within watchdog window: %w", faults.ErrTransport)
	ErrHelloTimeout       = fmt.Errorf("shard: no hello within timeout: %w", faults.ErrTransport)
)

type Config struct {
	Shard       session.ShardInfo
	Session     session.Config
	GatewayURL  string
	Version     int
	Compression wire.Compression
	Backoff     backoff.Config
	// HelloTimeout bounds the wait for the greeting after the transport is up.
	HelloTimeout time.Duration
	// WatchdogMultiple is how many heartbeat intervals may pass without any
	// inbound frame before the connection is considered dead.
	WatchdogMultiple int
	// MaxReconnectAttempts caps consecutive failed connections; 0 is unbounded.
	MaxReconnectAttempts int
	// CommandLimit caller commands are admitted per CommandWindow on one
	// connection, leaving headroom for heartbeats under the remote 120/60s cap.
	CommandLimit  int
	CommandWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Version:     DefaultAPIVersion,
		Compression: wire.CompressionZlibStream,
		Session:     session.DefaultConfig(),
		Backoff: backoff.Config{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       true,
		},
		HelloTimeout:     20 * time.Second,
		WatchdogMultiple: 3,
		CommandLimit:     110,
		CommandWindow:    60 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.GatewayURL = strings.TrimSpace(c.GatewayURL)
	if c.Version <= 0 {
		c.Version = def.Version
	}
	if c.Compression == "" {
		c.Compression = def.Compression
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = def.HelloTimeout
	}
	if c.WatchdogMultiple <= 0 {
		c.WatchdogMultiple = def.WatchdogMultiple
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.CommandLimit <= 0 {
		c.CommandLimit = def.CommandLimit
	}
	if c.CommandWindow <= 0 {
		c.CommandWindow = def.CommandWindow
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if c.GatewayURL == "" {
		return ErrGatewayURLRequired
	}
	if err := c.Shard.Validate(); err != nil {
		return err
	}
	return c.Session.Validate()
}

// FatalError is returned by Run when the remote side rejected the shard for
// good. It unwraps to faults.ErrAuthentication or faults.ErrFatalConfig.
type FatalError struct {
	Shard int
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("shard %d: fatally closed: %v", e.Shard, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
