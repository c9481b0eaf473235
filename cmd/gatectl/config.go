package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gatectl/internal/admin"
	"github.com/danmuck/gatectl/internal/config"
	"github.com/danmuck/gatectl/internal/gateway/fleet"
	"github.com/danmuck/gatectl/internal/gateway/shard"
	"github.com/danmuck/gatectl/internal/gateway/transport"
	"github.com/danmuck/gatectl/internal/gateway/wire"
	"github.com/danmuck/gatectl/internal/rest"
)

const tokenEnv = "GATECTL_TOKEN"

type appConfig struct {
	TotalShards    int
	ShardIDs       []int
	MaxConcurrency int
	IdentifyWindow time.Duration
	RestartDelay   time.Duration

	Runner    shard.Config
	Transport transport.Config
	REST      rest.Config
	// GlobalLimit is the local requests-per-second cap across all routes.
	GlobalLimit int
	Admin       admin.Config
}

func defaultAppConfig() appConfig {
	fc := fleet.DefaultConfig()
	return appConfig{
		IdentifyWindow: fc.IdentifyWindow,
		RestartDelay:   fc.RestartDelay,
		Runner:         shard.DefaultConfig(),
		Transport:      transport.DefaultConfig(),
		REST:           rest.DefaultConfig(),
		GlobalLimit:    50,
		Admin:          admin.Config{Addr: "127.0.0.1:7070"},
	}
}

// needsDiscovery reports whether GET /gateway/bot must fill in sharding.
func (c appConfig) needsDiscovery() bool {
	return c.Runner.GatewayURL == "" || c.TotalShards == 0 || c.MaxConcurrency == 0
}

func (c appConfig) fleetConfig() fleet.Config {
	return fleet.Config{
		TotalShards:    c.TotalShards,
		ShardIDs:       c.ShardIDs,
		Runner:         c.Runner,
		MaxConcurrency: c.MaxConcurrency,
		IdentifyWindow: c.IdentifyWindow,
		RestartDelay:   c.RestartDelay,
	}
}

// applyDiscovery fills only what the file left unset.
func (c *appConfig) applyDiscovery(gb rest.GatewayBot) {
	if c.Runner.GatewayURL == "" {
		c.Runner.GatewayURL = gb.URL
	}
	if c.TotalShards == 0 {
		c.TotalShards = gb.Shards
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = gb.SessionStartLimit.MaxConcurrency
	}
}

func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	var raw config.File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load gatectl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("%w: unknown key %s", config.ErrInvalid, undecoded[0])
	}
	if err := config.Validate(raw); err != nil {
		return appConfig{}, err
	}

	if meta.IsDefined("token") {
		cfg.Runner.Session.Token = strings.TrimSpace(raw.Token)
	}
	if cfg.Runner.Session.Token == "" {
		cfg.Runner.Session.Token = strings.TrimSpace(os.Getenv(tokenEnv))
	}
	cfg.REST.Token = cfg.Runner.Session.Token

	if meta.IsDefined("intents") {
		cfg.Runner.Session.Intents = raw.Intents
	}
	if meta.IsDefined("total_shards") {
		cfg.TotalShards = raw.TotalShards
	}
	if meta.IsDefined("shard_ids") {
		cfg.ShardIDs = append([]int(nil), raw.ShardIDs...)
	}
	if meta.IsDefined("max_concurrency") {
		cfg.MaxConcurrency = raw.MaxConcurrency
	}
	if meta.IsDefined("large_threshold") && raw.LargeThreshold > 0 {
		cfg.Runner.Session.LargeThreshold = raw.LargeThreshold
	}

	if err := overlayGateway(&cfg, meta, raw.Gateway); err != nil {
		return appConfig{}, err
	}
	if err := overlayREST(&cfg, meta, raw.REST); err != nil {
		return appConfig{}, err
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CORSOrigins = append([]string(nil), raw.Admin.CORSOrigins...)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	return cfg, nil
}

func overlayGateway(cfg *appConfig, meta toml.MetaData, gw config.Gateway) error {
	if meta.IsDefined("gateway", "url") {
		cfg.Runner.GatewayURL = strings.TrimSpace(gw.URL)
	}
	if meta.IsDefined("gateway", "version") && gw.Version > 0 {
		cfg.Runner.Version = gw.Version
	}
	if meta.IsDefined("gateway", "compression") && gw.Compression != "" {
		cfg.Runner.Compression = wire.Compression(strings.TrimSpace(gw.Compression))
	}
	if meta.IsDefined("gateway", "watchdog_multiple") {
		cfg.Runner.WatchdogMultiple = gw.WatchdogMultiple
	}
	if meta.IsDefined("gateway", "max_reconnect_attempts") {
		cfg.Runner.MaxReconnectAttempts = gw.MaxReconnectAttempts
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"hello_timeout", gw.HelloTimeout, &cfg.Runner.HelloTimeout},
		{"identify_window", gw.IdentifyWindow, &cfg.IdentifyWindow},
		{"restart_delay", gw.RestartDelay, &cfg.RestartDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("gateway", d.key) {
			continue
		}
		v, err := config.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse gateway.%s: %w", d.key, err)
		}
		if v > 0 {
			*d.dst = v
		}
	}

	if meta.IsDefined("gateway", "backoff", "initial") {
		v, err := config.ParseDuration(gw.Backoff.Initial)
		if err != nil {
			return fmt.Errorf("parse gateway.backoff.initial: %w", err)
		}
		cfg.Runner.Backoff.InitialDelay = v
	}
	if meta.IsDefined("gateway", "backoff", "max") {
		v, err := config.ParseDuration(gw.Backoff.Max)
		if err != nil {
			return fmt.Errorf("parse gateway.backoff.max: %w", err)
		}
		cfg.Runner.Backoff.MaxDelay = v
	}
	if meta.IsDefined("gateway", "backoff", "multiplier") {
		cfg.Runner.Backoff.Multiplier = gw.Backoff.Multiplier
	}
	if meta.IsDefined("gateway", "backoff", "jitter") {
		cfg.Runner.Backoff.Jitter = gw.Backoff.Jitter
	}

	if meta.IsDefined("gateway", "tls") {
		cfg.Transport.TLS = transport.TLSConfig{
			CAFile:             strings.TrimSpace(gw.TLS.CAFile),
			CertFile:           strings.TrimSpace(gw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(gw.TLS.KeyFile),
			ServerName:         strings.TrimSpace(gw.TLS.ServerName),
			InsecureSkipVerify: gw.TLS.InsecureSkipVerify,
		}
	}
	return nil
}

func overlayREST(cfg *appConfig, meta toml.MetaData, r config.REST) error {
	if meta.IsDefined("rest", "base_url") && strings.TrimSpace(r.BaseURL) != "" {
		cfg.REST.BaseURL = strings.TrimSpace(r.BaseURL)
	}
	if meta.IsDefined("rest", "user_agent") && strings.TrimSpace(r.UserAgent) != "" {
		cfg.REST.UserAgent = strings.TrimSpace(r.UserAgent)
	}
	if meta.IsDefined("rest", "timeout") {
		v, err := config.ParseDuration(r.Timeout)
		if err != nil {
			return fmt.Errorf("parse rest.timeout: %w", err)
		}
		if v > 0 {
			cfg.REST.Timeout = v
		}
	}
	if meta.IsDefined("rest", "max_attempts") && r.MaxAttempts > 0 {
		cfg.REST.MaxAttempts = r.MaxAttempts
	}
	if meta.IsDefined("rest", "max_rate_limit_retries") {
		cfg.REST.MaxRateLimitRetries = r.MaxRateLimitRetries
	}
	if meta.IsDefined("rest", "global_limit") && r.GlobalLimit > 0 {
		cfg.GlobalLimit = r.GlobalLimit
	}
	return nil
}
