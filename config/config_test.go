package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "relayd.yaml", `
listen: ":8080"
ledger:
  url: "wss://node.example:9944"
  endpoint_timeout: "10s"
  finality: true
accounts:
  keys_file: "/etc/relay/keys.json"
  keystores: ["/etc/relay/a.json"]
dispatch:
  retry_ceiling: 3
  backoff_base: "250ms"
  backoff_cap: "4s"
  round_interval: "1s"
  rate_limit: 20
  fail_quarantined_pending: true
gateway:
  synchronous: true
  sync_timeout: "30s"
  calls:
    system: ["remark"]
  rate_limit:
    rate_per_second: 5
    burst: 10
storage:
  driver: sqlite
  dsn: "file:relay.db"
logging:
  level: debug
  file:
    path: "/var/log/relayd.log"
    max_size_mb: 50
`)
	cfg, err := LoadWithEnv(path, envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Ledger.URL != "wss://node.example:9944" || !cfg.Ledger.Finality {
		t.Fatalf("unexpected ledger config %+v", cfg)
	}
	if cfg.Ledger.EndpointTimeout.Duration != 10*time.Second {
		t.Fatalf("unexpected endpoint timeout %s", cfg.Ledger.EndpointTimeout)
	}
	if cfg.Dispatch.RetryCeiling != 3 || cfg.Dispatch.BackoffBase.Duration != 250*time.Millisecond || cfg.Dispatch.BackoffCap.Duration != 4*time.Second {
		t.Fatalf("unexpected dispatch config %+v", cfg.Dispatch)
	}
	if !cfg.Dispatch.FailQuarantinedPending || cfg.Dispatch.RateLimit != 20 {
		t.Fatalf("unexpected dispatch flags %+v", cfg.Dispatch)
	}
	if !cfg.Gateway.Synchronous || cfg.Gateway.SyncTimeout.Duration != 30*time.Second {
		t.Fatalf("unexpected gateway config %+v", cfg.Gateway)
	}
	if got := cfg.Gateway.Calls["system"]; len(got) != 1 || got[0] != "remark" {
		t.Fatalf("unexpected calls %v", cfg.Gateway.Calls)
	}
	if cfg.Gateway.RateLimit.Burst != 10 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected limits/storage %+v %+v", cfg.Gateway.RateLimit, cfg.Storage)
	}
	if cfg.Logging.File.Path != "/var/log/relayd.log" || cfg.Logging.File.MaxSizeMB != 50 {
		t.Fatalf("unexpected logging %+v", cfg.Logging)
	}
	// Unset values keep their defaults.
	if cfg.Dispatch.RoundInterval.Duration != time.Second || cfg.Env != "dev" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "relayd.toml", `
listen = ":9090"

[ledger]
url = "memory://"

[accounts]
ephemeral = 4

[dispatch]
backoff_cap = "3s"

[gateway.calls]
balances = ["transfer", "transferKeepAlive"]

[storage]
driver = "leveldb"
dsn = "memory"
`)
	cfg, err := LoadWithEnv(path, envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Ledger.Memory() || cfg.Accounts.Ephemeral != 4 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Dispatch.BackoffCap.Duration != 3*time.Second {
		t.Fatalf("unexpected backoff cap %s", cfg.Dispatch.BackoffCap)
	}
	if len(cfg.Gateway.Calls["balances"]) != 2 {
		t.Fatalf("unexpected calls %v", cfg.Gateway.Calls)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg, err := LoadWithEnv("", envMap(map[string]string{
		"PRIVATE_KEYS_PATH": "/keys.txt",
		"NODE_URL":          "ws://10.0.0.5:9944",
		"PORT":              "4000",
		"RATE_LIMIT":        "25",
		"RETRY_DELAY":       "7",
		"NHB_ENV":           "staging",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Accounts.KeysFile != "/keys.txt" || cfg.Ledger.URL != "ws://10.0.0.5:9944" || cfg.Listen != ":4000" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Dispatch.RateLimit != 25 || cfg.Dispatch.BackoffCap.Duration != 7*time.Second || cfg.Env != "staging" {
		t.Fatalf("env not applied: %+v", cfg.Dispatch)
	}
}

func TestShortRetryDelayClampsBackoffBase(t *testing.T) {
	cfg, err := LoadWithEnv("", envMap(map[string]string{
		"PRIVATE_KEYS_PATH": "/keys.txt",
		"RETRY_DELAY":       "0.2",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.BackoffCap.Duration != 200*time.Millisecond || cfg.Dispatch.BackoffBase.Duration != 200*time.Millisecond {
		t.Fatalf("expected base and cap of 200ms, got %+v", cfg.Dispatch)
	}

	cfg, err = LoadWithEnv("", envMap(map[string]string{
		"PRIVATE_KEYS_PATH": "/keys.txt",
		"RETRY_DELAY":       "0",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.BackoffBase.Duration != 0 {
		t.Fatalf("zero retry delay should disable backoff, got base %s", cfg.Dispatch.BackoffBase)
	}

	if _, err := LoadWithEnv("", envMap(map[string]string{
		"PRIVATE_KEYS_PATH": "/keys.txt",
		"RETRY_DELAY":       "-1",
	})); err == nil || !strings.Contains(err.Error(), "RETRY_DELAY") {
		t.Fatalf("expected negative RETRY_DELAY error, got %v", err)
	}
}

func TestSecretsFromEnvironment(t *testing.T) {
	path := writeFile(t, "relayd.yaml", `
accounts:
  keys_file: keys.txt
ledger:
  auth_token_env: NODE_TOKEN
gateway:
  auth:
    enabled: true
    hmac_secret_env: RELAY_JWT
`)
	cfg, err := LoadWithEnv(path, envMap(map[string]string{"RELAY_JWT": "s3cret", "NODE_TOKEN": "tok"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Auth.HMACSecret != "s3cret" || cfg.Ledger.AuthToken != "tok" {
		t.Fatalf("secrets not resolved: %+v %+v", cfg.Gateway.Auth, cfg.Ledger)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		body string
		want string
	}{
		{name: "no accounts", want: "keys file"},
		{name: "bad scheme", env: map[string]string{"PRIVATE_KEYS_PATH": "k", "NODE_URL": "http://node"}, want: "scheme"},
		{name: "bad port", env: map[string]string{"PRIVATE_KEYS_PATH": "k", "PORT": "http"}, want: "PORT"},
		{name: "bad rate", env: map[string]string{"PRIVATE_KEYS_PATH": "k", "RATE_LIMIT": "fast"}, want: "RATE_LIMIT"},
		{name: "ephemeral on node", body: "accounts:\n  ephemeral: 2\n", want: "memory ledger"},
		{name: "storage dsn", body: "accounts:\n  keys_file: k\nstorage:\n  driver: sqlite\n", want: "dsn required"},
		{name: "unknown driver", body: "accounts:\n  keys_file: k\nstorage:\n  driver: redis\n", want: "unsupported driver"},
		{name: "auth secret", body: "accounts:\n  keys_file: k\ngateway:\n  auth:\n    enabled: true\n", want: "hmac_secret"},
		{name: "backoff order", body: "accounts:\n  keys_file: k\ndispatch:\n  backoff_base: 10s\n  backoff_cap: 1s\n", want: "backoff_base"},
		{name: "bad duration", body: "accounts:\n  keys_file: k\ndispatch:\n  backoff_cap: soon\n", want: "parse duration"},
	}
	for _, tc := range cases {
		path := ""
		if tc.body != "" {
			path = writeFile(t, "relayd.yaml", tc.body)
		}
		_, err := LoadWithEnv(path, envMap(tc.env))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "relayd.json", `{}`)
	if _, err := LoadWithEnv(path, envMap(nil)); err == nil || !strings.Contains(err.Error(), "unsupported file extension") {
		t.Fatalf("expected extension error, got %v", err)
	}
}
