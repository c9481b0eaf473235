package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/gatectl/internal/config"
	"github.com/danmuck/gatectl/internal/gateway/wire"
	"github.com/danmuck/gatectl/internal/rest"
	"github.com/danmuck/gatectl/internal/testutil/testlog"
)

func TestLoadAppConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadAppConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Runner.Session.Token != "ex-token" || cfg.REST.Token != "ex-token" {
		t.Fatalf("token not applied: %q %q", cfg.Runner.Session.Token, cfg.REST.Token)
	}
	if cfg.Runner.Session.Intents != 33281 {
		t.Fatalf("unexpected intents: %d", cfg.Runner.Session.Intents)
	}
	if cfg.TotalShards != 4 || len(cfg.ShardIDs) != 2 || cfg.ShardIDs[0] != 2 {
		t.Fatalf("unexpected sharding: total=%d ids=%v", cfg.TotalShards, cfg.ShardIDs)
	}
	if cfg.Runner.GatewayURL != "wss://gateway.example.test" {
		t.Fatalf("unexpected gateway url: %q", cfg.Runner.GatewayURL)
	}
	if cfg.Runner.Compression != wire.CompressionNone {
		t.Fatalf("unexpected compression: %q", cfg.Runner.Compression)
	}
	if cfg.Runner.HelloTimeout != 15*time.Second || cfg.IdentifyWindow != 6*time.Second {
		t.Fatalf("unexpected durations: hello=%v window=%v", cfg.Runner.HelloTimeout, cfg.IdentifyWindow)
	}
	if cfg.Runner.Backoff.InitialDelay != 2*time.Second || cfg.Runner.Backoff.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected backoff: %+v", cfg.Runner.Backoff)
	}
	if cfg.Runner.Backoff.Multiplier != 2.0 || !cfg.Runner.Backoff.Jitter {
		t.Fatalf("backoff defaults lost: %+v", cfg.Runner.Backoff)
	}
	if cfg.RestartDelay != 5*time.Second {
		t.Fatalf("restart delay default lost: %v", cfg.RestartDelay)
	}
	if cfg.REST.BaseURL != "https://api.example.test/v10" || cfg.REST.MaxAttempts != 4 {
		t.Fatalf("unexpected rest: %+v", cfg.REST)
	}
	if cfg.REST.MaxRateLimitRetries != 5 || cfg.GlobalLimit != 40 {
		t.Fatalf("unexpected rest limits: retries=%d global=%d", cfg.REST.MaxRateLimitRetries, cfg.GlobalLimit)
	}
	if cfg.Admin.Addr != "127.0.0.1:7071" || cfg.Admin.Token != "op-secret" {
		t.Fatalf("unexpected admin: %+v", cfg.Admin)
	}
	if cfg.needsDiscovery() {
		t.Fatalf("fully specified config should not need discovery")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigTokenFromEnv(t *testing.T) {
	testlog.Start(t)
	t.Setenv(tokenEnv, "env-token")
	cfg, err := loadAppConfig(writeConfig(t, "intents = 1\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Runner.Session.Token != "env-token" || cfg.REST.Token != "env-token" {
		t.Fatalf("env token not applied: %q", cfg.Runner.Session.Token)
	}
	if !cfg.needsDiscovery() {
		t.Fatalf("empty sharding should need discovery")
	}

	cfg.applyDiscovery(rest.GatewayBot{
		URL:               "wss://discovered.test",
		Shards:            6,
		SessionStartLimit: rest.SessionStartLimit{MaxConcurrency: 16},
	})
	if cfg.Runner.GatewayURL != "wss://discovered.test" || cfg.TotalShards != 6 || cfg.MaxConcurrency != 16 {
		t.Fatalf("discovery not applied: %+v", cfg)
	}
}

func TestLoadAppConfigRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	_, err := loadAppConfig(writeConfig(t, "[gateway]\nretry = 3\n"))
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
