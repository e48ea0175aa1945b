package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupWithOptionsRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := SetupWithOptions(Options{Service: "relayd", Env: "test", Output: &buf})
	defer closer.Close()
	logger.Info("queued", slog.String("tx", "abc"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env", "tx"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing key %s in %v", key, line)
		}
	}
	if line["severity"] != "INFO" || line["message"] != "queued" || line["service"] != "relayd" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestSetupWithOptionsLevelAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, closer := SetupWithOptions(Options{Service: "relayd", Level: "warn", Output: &buf, File: FileOptions{Path: path, MaxSizeMB: 1}})
	logger.Info("hidden")
	logger.Warn("shown")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if bytes.Contains(data, []byte("hidden")) || !bytes.Contains(data, []byte("shown")) {
		t.Fatalf("unexpected file contents %q", data)
	}
	if !bytes.Equal(bytes.TrimSpace(data), bytes.TrimSpace(buf.Bytes())) {
		t.Fatalf("file and stdout diverged")
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("auth_token", "secret").Value.String(); got != RedactedValue {
		t.Fatalf("expected redaction, got %q", got)
	}
	if got := MaskField("account", "nhb1abc").Value.String(); got != "nhb1abc" {
		t.Fatalf("allowlisted key should pass through, got %q", got)
	}
	if got := MaskPath("keys_file", "/etc/relay/keys.txt").Value.String(); got != ".../keys.txt" {
		t.Fatalf("unexpected masked path %q", got)
	}
}
