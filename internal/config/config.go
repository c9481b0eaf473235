package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// File is the on-disk layout of a gatectl config. Durations are Go duration
// strings.
type File struct {
	Token          string  `toml:"token"`
	Intents        uint64  `toml:"intents"`
	TotalShards    int     `toml:"total_shards"`
	ShardIDs       []int   `toml:"shard_ids"`
	MaxConcurrency int     `toml:"max_concurrency"`
	LargeThreshold int     `toml:"large_threshold"`
	Gateway        Gateway `toml:"gateway"`
	REST           REST    `toml:"rest"`
	Admin          Admin   `toml:"admin"`
}

type Gateway struct {
	URL                  string  `toml:"url"`
	Version              int     `toml:"version"`
	Compression          string  `toml:"compression"`
	HelloTimeout         string  `toml:"hello_timeout"`
	WatchdogMultiple     int     `toml:"watchdog_multiple"`
	MaxReconnectAttempts int     `toml:"max_reconnect_attempts"`
	IdentifyWindow       string  `toml:"identify_window"`
	RestartDelay         string  `toml:"restart_delay"`
	Backoff              Backoff `toml:"backoff"`
	TLS                  TLS     `toml:"tls"`
}

type Backoff struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type TLS struct {
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type REST struct {
	BaseURL             string `toml:"base_url"`
	UserAgent           string `toml:"user_agent"`
	Timeout             string `toml:"timeout"`
	MaxAttempts         int    `toml:"max_attempts"`
	MaxRateLimitRetries int    `toml:"max_rate_limit_retries"`
	GlobalLimit         int    `toml:"global_limit"`
}

type Admin struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

// Load strictly decodes path: keys that do not map to a field are rejected.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	var cfg File
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return File{}, fmt.Errorf("%w: %s", ErrInvalid, strict.String())
		}
		return File{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. Zero values mean "use the default" and pass.
func Validate(cfg File) error {
	var errs []error
	if cfg.TotalShards < 0 {
		errs = append(errs, fmt.Errorf("total_shards must not be negative"))
	}
	for _, id := range cfg.ShardIDs {
		if id < 0 || (cfg.TotalShards > 0 && id >= cfg.TotalShards) {
			errs = append(errs, fmt.Errorf("shard_ids entry %d outside [0, total_shards)", id))
		}
	}
	if cfg.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("max_concurrency must not be negative"))
	}
	if cfg.LargeThreshold != 0 && (cfg.LargeThreshold < 50 || cfg.LargeThreshold > 250) {
		errs = append(errs, fmt.Errorf("large_threshold must be within [50, 250]"))
	}
	switch strings.TrimSpace(cfg.Gateway.Compression) {
	case "", "none", "zlib-stream":
	default:
		errs = append(errs, fmt.Errorf("gateway.compression must be none or zlib-stream"))
	}
	durations := map[string]string{
		"gateway.hello_timeout":   cfg.Gateway.HelloTimeout,
		"gateway.identify_window": cfg.Gateway.IdentifyWindow,
		"gateway.restart_delay":   cfg.Gateway.RestartDelay,
		"gateway.backoff.initial": cfg.Gateway.Backoff.Initial,
		"gateway.backoff.max":     cfg.Gateway.Backoff.Max,
		"rest.timeout":            cfg.REST.Timeout,
	}
	for _, key := range sortedKeys(durations) {
		if _, err := ParseDuration(durations[key]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if strings.TrimSpace(cfg.Gateway.Backoff.Max) != "" {
		if d, err := ParseDuration(cfg.Gateway.Backoff.Max); err == nil && d == 0 {
			errs = append(errs, fmt.Errorf("gateway.backoff.max must be positive"))
		}
	}
	if cfg.Gateway.Backoff.Multiplier != 0 && cfg.Gateway.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("gateway.backoff.multiplier must be >= 1"))
	}
	tls := cfg.Gateway.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("gateway.tls cert_file and key_file must be set together"))
	}
	if cfg.REST.MaxAttempts < 0 || cfg.REST.MaxRateLimitRetries < 0 || cfg.REST.GlobalLimit < 0 {
		errs = append(errs, fmt.Errorf("rest limits must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ParseDuration parses a duration string; blank means zero.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", v)
	}
	return d, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
