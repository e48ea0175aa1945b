package relayd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"nhbrelay/config"
	"nhbrelay/core/types"
	"nhbrelay/crypto"
	"nhbrelay/ledger/simledger"
	"nhbrelay/relay/dispatch"
	"nhbrelay/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig(t *testing.T, mutate func(*config.Config)) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Ledger.URL = config.MemoryLedgerURL
	cfg.Accounts.Ephemeral = 2
	cfg.Dispatch.RoundInterval = config.D(10 * time.Millisecond)
	cfg.Dispatch.BackoffBase = config.D(0)
	cfg.Dispatch.RateLimit = 0
	cfg.Storage = config.StorageConfig{Driver: storage.DriverLevelDB, DSN: storage.MemoryDSN}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestLoadIdentitiesCollapsesDuplicates(t *testing.T) {
	dir := t.TempDir()
	keyA, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	keyB, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	keysFile := filepath.Join(dir, "keys.txt")
	contents := strings.Join([]string{
		"# relay identities",
		hexutil.Encode(keyA.Bytes()),
		hexutil.Encode(keyB.Bytes()),
		hexutil.Encode(keyA.Bytes()),
	}, "\n")
	require.NoError(t, os.WriteFile(keysFile, []byte(contents), 0o600))

	keystorePath := filepath.Join(dir, "b.json")
	require.NoError(t, crypto.SaveToKeystore(keystorePath, keyB, "pw", crypto.LightKeystore))

	var asked string
	ids, err := LoadIdentities(config.AccountsConfig{
		KeysFile:      keysFile,
		Keystores:     []string{keystorePath},
		PassphraseEnv: "RELAY_PW",
	}, func(env string) (string, error) {
		asked = env
		return "pw", nil
	}, quietLogger())
	require.NoError(t, err)
	require.Equal(t, "RELAY_PW", asked)
	require.Len(t, ids, 2)
	require.Equal(t, keyA.Identity().Address, ids[0].Address)
	require.Equal(t, keyB.Identity().Address, ids[1].Address)
}

func TestLoadIdentitiesErrors(t *testing.T) {
	_, err := LoadIdentities(config.AccountsConfig{KeysFile: filepath.Join(t.TempDir(), "missing")}, nil, quietLogger())
	require.Error(t, err)

	_, err = LoadIdentities(config.AccountsConfig{Keystores: []string{"a.json"}}, nil, quietLogger())
	require.ErrorContains(t, err, "passphrase")

	_, err = LoadIdentities(config.AccountsConfig{Keystores: []string{"a.json"}}, func(string) (string, error) {
		return "", errors.New("no tty")
	}, quietLogger())
	require.ErrorContains(t, err, "no tty")
}

func TestServiceEndToEnd(t *testing.T) {
	cfg := memoryConfig(t, nil)
	svc, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	base := "http://" + ln.Addr().String()

	resp, err := http.Post(base+"/transaction?wait=true", "application/json",
		strings.NewReader(`{"module":"system","method":"remark","params":["hello"]}`))
	require.NoError(t, err)
	var submitted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", submitted["status"])

	// After compaction the record is served from the archive.
	require.Eventually(t, func() bool { return svc.Engine().Queue().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	resp, err = http.Get(base + "/transaction/" + submitted["transactionId"])
	require.NoError(t, err)
	var view map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", view["status"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestAdminPauseResume(t *testing.T) {
	cfg := memoryConfig(t, func(c *config.Config) { c.Storage = config.StorageConfig{Driver: storage.DriverNone} })
	svc, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	h := svc.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/pause", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, svc.Engine().Paused())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status dispatch.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.Paused)
	require.Len(t, status.Accounts, 2)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/pause", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/resume", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, svc.Engine().Paused())
}

func TestServiceUsesInjectedLedger(t *testing.T) {
	sim := simledger.New()
	cfg := memoryConfig(t, func(c *config.Config) {
		c.Accounts.Ephemeral = 1
		c.Dispatch.PauseOnStart = true
	})
	svc, err := New(context.Background(), cfg, WithLogger(quietLogger()), WithLedger(sim))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	require.True(t, svc.Engine().Paused())

	call, err := types.NewCall("system", "remark", "x")
	require.NoError(t, err)
	_, err = svc.Engine().Submit(call)
	require.NoError(t, err)

	svc.Engine().Resume()
	_, err = svc.Engine().RunRound(context.Background())
	require.NoError(t, err)
	require.Len(t, sim.Submissions(), 1)
}
