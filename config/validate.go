package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nhbrelay/storage"
)

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address required")
	}
	if err := c.Ledger.validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if c.Accounts.KeysFile == "" && len(c.Accounts.Keystores) == 0 && c.Accounts.Ephemeral == 0 {
		return errors.New("accounts: a keys file (PRIVATE_KEYS_PATH) or keystore is required")
	}
	if c.Accounts.Ephemeral < 0 {
		return errors.New("accounts: ephemeral must not be negative")
	}
	if c.Accounts.Ephemeral > 0 && !c.Ledger.Memory() {
		return errors.New("accounts: ephemeral identities require the memory ledger")
	}
	if err := c.Dispatch.validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := c.Gateway.validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	switch c.Storage.Driver {
	case storage.DriverNone:
	case storage.DriverSQLite, storage.DriverPostgres, storage.DriverLevelDB:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage: dsn required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage: unsupported driver %q", c.Storage.Driver)
	}
	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return errors.New("observability: sample_ratio must be within [0, 1]")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	return nil
}

func (l LedgerConfig) validate() error {
	if l.URL == "" {
		return errors.New("url required")
	}
	if l.Memory() {
		return nil
	}
	parsed, err := url.Parse(l.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("url scheme must be ws, wss or memory, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("url host required")
	}
	if l.EndpointTimeout.Duration < 0 {
		return errors.New("endpoint_timeout must not be negative")
	}
	return nil
}

func (d DispatchConfig) validate() error {
	if d.RetryCeiling < 0 {
		return errors.New("retry_ceiling must not be negative")
	}
	if d.BackoffBase.Duration < 0 || d.BackoffCap.Duration < 0 {
		return errors.New("backoff durations must not be negative")
	}
	if d.BackoffCap.Duration > 0 && d.BackoffBase.Duration > d.BackoffCap.Duration {
		return errors.New("backoff_base exceeds backoff_cap")
	}
	if d.RoundInterval.Duration <= 0 {
		return errors.New("round_interval must be positive")
	}
	if d.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	return nil
}

func (g GatewayConfig) validate() error {
	if g.SyncTimeout.Duration <= 0 {
		return errors.New("sync_timeout must be positive")
	}
	for module, methods := range g.Calls {
		if strings.TrimSpace(module) == "" {
			return errors.New("calls: empty module name")
		}
		if len(methods) == 0 {
			return fmt.Errorf("calls: module %s lists no methods", module)
		}
	}
	if g.RateLimit.RatePerSecond < 0 || g.ReadLimit.RatePerSecond < 0 {
		return errors.New("rate limits must not be negative")
	}
	if g.Auth.Enabled && strings.TrimSpace(g.Auth.HMACSecret) == "" {
		return errors.New("auth: hmac_secret required when enabled")
	}
	return nil
}
