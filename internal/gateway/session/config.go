package session

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/danmuck/gatectl/internal/gateway/wire"
)

var (
	ErrTokenRequired = errors.New("session: token required")
	ErrInvalidShard  = errors.New("session: invalid shard")
)

// ShardInfo pairs one shard ordinal with the fleet-wide partition count.
type ShardInfo struct {
	ID    int `json:"id"`
	Total int `json:"total"`
}

func (s ShardInfo) Validate() error {
	if s.Total < 1 {
		return fmt.Errorf("%w: total=%d", ErrInvalidShard, s.Total)
	}
	if s.ID < 0 || s.ID >= s.Total {
		return fmt.Errorf("%w: id=%d total=%d", ErrInvalidShard, s.ID, s.Total)
	}
	return nil
}

func (s ShardInfo) String() string {
	return fmt.Sprintf("[%d/%d]", s.ID, s.Total)
}

// Config holds the identify payload inputs and protocol tolerances.
type Config struct {
	Token                 string
	Intents               uint64
	Properties            wire.IdentifyProperties
	LargeThreshold        int
	Presence              *wire.PresenceUpdate
	MaxProtocolViolations int
}

func DefaultConfig() Config {
	return Config{
		Properties: wire.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "gatectl",
			Device:  "gatectl",
		},
		LargeThreshold:        250,
		MaxProtocolViolations: 5,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Token = strings.TrimSpace(c.Token)
	if c.Properties.OS == "" {
		c.Properties.OS = def.Properties.OS
	}
	if c.Properties.Browser == "" {
		c.Properties.Browser = def.Properties.Browser
	}
	if c.Properties.Device == "" {
		c.Properties.Device = def.Properties.Device
	}
	if c.LargeThreshold <= 0 {
		c.LargeThreshold = def.LargeThreshold
	}
	if c.MaxProtocolViolations <= 0 {
		c.MaxProtocolViolations = def.MaxProtocolViolations
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrTokenRequired
	}
	return nil
}
