// Package config loads relayd configuration from YAML or TOML files with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"nhbrelay/observability/logging"
)

// MemoryLedgerURL selects the in-process simulated ledger.
const MemoryLedgerURL = "memory://"

// Config captures the runtime configuration for relayd.
type Config struct {
	Listen        string              `yaml:"listen" toml:"listen"`
	Env           string              `yaml:"env" toml:"env"`
	Ledger        LedgerConfig        `yaml:"ledger" toml:"ledger"`
	Accounts      AccountsConfig      `yaml:"accounts" toml:"accounts"`
	Dispatch      DispatchConfig      `yaml:"dispatch" toml:"dispatch"`
	Gateway       GatewayConfig       `yaml:"gateway" toml:"gateway"`
	Storage       StorageConfig       `yaml:"storage" toml:"storage"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// LedgerConfig points the relay at a node.
type LedgerConfig struct {
	URL             string   `yaml:"url" toml:"url"`
	EndpointTimeout Duration `yaml:"endpoint_timeout" toml:"endpoint_timeout"`
	// Finality waits for finalization instead of block inclusion.
	Finality     bool   `yaml:"finality" toml:"finality"`
	AuthToken    string `yaml:"auth_token" toml:"auth_token"`
	AuthTokenEnv string `yaml:"auth_token_env" toml:"auth_token_env"`
}

// Memory reports whether the simulated ledger is selected.
func (l LedgerConfig) Memory() bool {
	return strings.EqualFold(strings.TrimSpace(l.URL), MemoryLedgerURL)
}

// AccountsConfig lists the identity sources.
type AccountsConfig struct {
	KeysFile      string   `yaml:"keys_file" toml:"keys_file"`
	Keystores     []string `yaml:"keystores" toml:"keystores"`
	PassphraseEnv string   `yaml:"passphrase_env" toml:"passphrase_env"`
	// Ephemeral generates throwaway identities; only permitted with the
	// simulated ledger.
	Ephemeral int `yaml:"ephemeral" toml:"ephemeral"`
}

// DispatchConfig tunes the dispatch engine.
type DispatchConfig struct {
	RetryCeiling           int      `yaml:"retry_ceiling" toml:"retry_ceiling"`
	BackoffBase            Duration `yaml:"backoff_base" toml:"backoff_base"`
	BackoffCap             Duration `yaml:"backoff_cap" toml:"backoff_cap"`
	RoundInterval          Duration `yaml:"round_interval" toml:"round_interval"`
	RateLimit              float64  `yaml:"rate_limit" toml:"rate_limit"`
	FailQuarantinedPending bool     `yaml:"fail_quarantined_pending" toml:"fail_quarantined_pending"`
	PauseOnStart           bool     `yaml:"pause" toml:"pause"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Synchronous bool                `yaml:"synchronous" toml:"synchronous"`
	SyncTimeout Duration            `yaml:"sync_timeout" toml:"sync_timeout"`
	Calls       map[string][]string `yaml:"calls" toml:"calls"`
	RateLimit   RateLimitConfig     `yaml:"rate_limit" toml:"rate_limit"`
	ReadLimit   RateLimitConfig     `yaml:"read_rate_limit" toml:"read_rate_limit"`
	Auth        AuthConfig          `yaml:"auth" toml:"auth"`
	CORSOrigins []string            `yaml:"cors_origins" toml:"cors_origins"`
	LogRequests bool                `yaml:"log_requests" toml:"log_requests"`
	ReadTimeout Duration            `yaml:"read_timeout" toml:"read_timeout"`
}

// RateLimitConfig is a per-client token bucket. A zero rate disables it.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// AuthConfig enables HMAC bearer tokens on the API.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	HMACSecret    string `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv string `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
}

// StorageConfig selects the archive for terminal transactions.
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// ObservabilityConfig configures OTLP export.
type ObservabilityConfig struct {
	Metrics     bool              `yaml:"metrics" toml:"metrics"`
	Tracing     bool              `yaml:"tracing" toml:"tracing"`
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoggingConfig sets the level and optional rotated file output.
type LoggingConfig struct {
	Level string              `yaml:"level" toml:"level"`
	File  logging.FileOptions `yaml:"file" toml:"file"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Listen: ":3000",
		Env:    "dev",
		Ledger: LedgerConfig{
			URL:             "ws://127.0.0.1:9944",
			EndpointTimeout: D(30 * time.Second),
		},
		Accounts: AccountsConfig{PassphraseEnv: "RELAY_KEYSTORE_PASSPHRASE"},
		Dispatch: DispatchConfig{
			RetryCeiling:  5,
			BackoffBase:   D(500 * time.Millisecond),
			BackoffCap:    D(5 * time.Second),
			RoundInterval: D(2 * time.Second),
			RateLimit:     100,
		},
		Gateway: GatewayConfig{
			SyncTimeout: D(60 * time.Second),
			ReadTimeout: D(15 * time.Second),
		},
		Storage: StorageConfig{Driver: "none"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (YAML or TOML by extension) over the defaults, applies
// environment overrides and validates the result. An empty path uses defaults
// and the environment only.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if lookup != nil {
		if err := applyEnv(&cfg, lookup); err != nil {
			return cfg, err
		}
	}
	normalise(&cfg, lookup)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		return fmt.Errorf("config: unsupported file extension %q", ext)
	}
	return nil
}

// applyEnv layers the relay's environment variables over the file values.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	if v, ok := get("PRIVATE_KEYS_PATH"); ok {
		cfg.Accounts.KeysFile = v
	}
	if v, ok := get("NODE_URL"); ok {
		cfg.Ledger.URL = v
	}
	if v, ok := get("PORT"); ok {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			return fmt.Errorf("PORT: invalid port %q", v)
		}
		cfg.Listen = ":" + v
	}
	if v, ok := get("RATE_LIMIT"); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT: %w", err)
		}
		cfg.Dispatch.RateLimit = rate
	}
	if v, ok := get("RETRY_DELAY"); ok {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RETRY_DELAY: %w", err)
		}
		if seconds < 0 {
			return fmt.Errorf("RETRY_DELAY: must not be negative, got %q", v)
		}
		delay := time.Duration(seconds * float64(time.Second))
		cfg.Dispatch.BackoffCap = D(delay)
		// A short retry delay shortens the whole schedule.
		if cfg.Dispatch.BackoffBase.Duration > delay {
			cfg.Dispatch.BackoffBase = D(delay)
		}
	}
	if v, ok := get("NHB_ENV"); ok {
		cfg.Env = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	return nil
}

func normalise(cfg *Config, lookup func(string) (string, bool)) {
	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.Ledger.URL = strings.TrimSpace(cfg.Ledger.URL)
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "none"
	}
	if lookup == nil {
		return
	}
	if cfg.Ledger.AuthToken == "" && cfg.Ledger.AuthTokenEnv != "" {
		if v, ok := lookup(cfg.Ledger.AuthTokenEnv); ok {
			cfg.Ledger.AuthToken = strings.TrimSpace(v)
		}
	}
	if cfg.Gateway.Auth.HMACSecret == "" && cfg.Gateway.Auth.HMACSecretEnv != "" {
		if v, ok := lookup(cfg.Gateway.Auth.HMACSecretEnv); ok {
			cfg.Gateway.Auth.HMACSecret = strings.TrimSpace(v)
		}
	}
}
