package routes

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbrelay/core/types"
	"nhbrelay/crypto"
	"nhbrelay/ledger/simledger"
	"nhbrelay/relay/dispatch"
	"nhbrelay/relay/pool"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, identities int) *dispatch.Engine {
	t.Helper()
	ids := make([]types.Identity, 0, identities)
	for i := 0; i < identities; i++ {
		key, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		ids = append(ids, key.Identity())
	}
	return dispatch.New(simledger.New(), pool.New(ids...),
		dispatch.WithLogger(quietLogger()),
		dispatch.WithMetrics(nil),
		dispatch.WithRateLimit(0),
		dispatch.WithRoundInterval(5*time.Millisecond))
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	payload := map[string]interface{}{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	}
	return rec, payload
}

func TestSubmitValidation(t *testing.T) {
	h := New(Config{Engine: newEngine(t, 1), Logger: quietLogger()})
	cases := []string{
		``,
		`{}`,
		`{"method":"remark","params":[]}`,
		`{"module":"system","params":[]}`,
		`{"module":"system","method":"remark"}`,
		`{"module":"","method":"remark","params":[]}`,
		`{"module":"system","method":"remark","params":null}`,
	}
	for _, body := range cases {
		rec, payload := do(t, h, http.MethodPost, "/transaction", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.Equal(t, "Missing required fields", payload["error"], body)
	}

	rec, _ := do(t, h, http.MethodPost, "/transaction", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitEnqueues(t *testing.T) {
	engine := newEngine(t, 1)
	h := New(Config{Engine: engine, Logger: quietLogger()})

	rec, payload := do(t, h, http.MethodPost, "/transaction", `{"module":"system","method":"remark","params":["hello"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Transaction added to queue", payload["message"])
	id, _ := payload["transactionId"].(string)
	require.NotEmpty(t, id)

	tx, err := engine.Lookup(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "system.remark", tx.Call.String())
	require.Equal(t, types.StatusPending, tx.Status)

	rec, payload = do(t, h, http.MethodPost, "/transaction", `{"module":"balances","method":"transfer","params":{"dest":"x"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	tx, err = engine.Lookup(context.Background(), payload["transactionId"].(string))
	require.NoError(t, err)
	require.Len(t, tx.Call.Params, 1)
}

func TestSubmitWithoutAccounts(t *testing.T) {
	h := New(Config{Engine: newEngine(t, 0), Logger: quietLogger()})
	rec, payload := do(t, h, http.MethodPost, "/transaction", `{"module":"system","method":"remark","params":[]}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "No accounts available", payload["error"])
}

func TestSubmitAllowlist(t *testing.T) {
	h := New(Config{
		Engine: newEngine(t, 1),
		Calls:  map[string][]string{"system": {"remark"}, "utility": {"*"}},
		Logger: quietLogger(),
	})
	rec, _ := do(t, h, http.MethodPost, "/transaction", `{"module":"balances","method":"transfer","params":[]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/transaction", `{"module":"system","method":"setCode","params":[]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/transaction", `{"module":"system","method":"remark","params":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/transaction", `{"module":"utility","method":"batch","params":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueListing(t *testing.T) {
	engine := newEngine(t, 2)
	h := New(Config{Engine: engine, Logger: quietLogger()})
	for i := 0; i < 3; i++ {
		rec, _ := do(t, h, http.MethodPost, "/transaction", `{"module":"system","method":"remark","params":["x"]}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp queueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.QueueLength)
	require.Len(t, resp.QueueItems, 3)
	for _, item := range resp.QueueItems {
		require.NotEmpty(t, item.ID)
		require.NotEmpty(t, item.Account)
		require.Equal(t, "system", item.Call.Module)
		require.Equal(t, "remark", item.Call.Method)
		require.Equal(t, "pending", item.Status)
	}
}

func TestTransactionLookup(t *testing.T) {
	engine := newEngine(t, 1)
	h := New(Config{Engine: engine, Logger: quietLogger()})

	rec, _ := do(t, h, http.MethodGet, "/transaction/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, payload := do(t, h, http.MethodPost, "/transaction", `{"module":"system","method":"remark","params":[]}`)
	id := payload["transactionId"].(string)
	_, err := engine.RunRound(context.Background())
	require.NoError(t, err)

	// Without an archive the compacted record is gone.
	rec, _ = do(t, h, http.MethodGet, "/transaction/"+id, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSynchronousSubmit(t *testing.T) {
	engine := newEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := New(Config{Engine: engine, SyncTimeout: 5 * time.Second, Logger: quietLogger()})
	rec, payload := do(t, h, http.MethodPost, "/transaction?wait=true", `{"module":"system","method":"remark","params":["sync"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Transaction processed", payload["message"])
	require.Equal(t, "completed", payload["status"])
	require.NotEmpty(t, payload["blockHash"])
	require.NotEmpty(t, payload["txHash"])
}

func TestSynchronousSubmitTimeout(t *testing.T) {
	engine := newEngine(t, 1)
	engine.Pause()
	h := New(Config{Engine: engine, Synchronous: true, SyncTimeout: 20 * time.Millisecond, Logger: quietLogger()})

	rec, payload := do(t, h, http.MethodPost, "/transaction", `{"module":"system","method":"remark","params":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pending", payload["status"])
	require.NotEmpty(t, payload["transactionId"])

	rec, payload = do(t, h, http.MethodPost, "/transaction?wait=false", `{"module":"system","method":"remark","params":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Transaction added to queue", payload["message"])
}

func TestHealthAndUnknownRoute(t *testing.T) {
	h := New(Config{Engine: newEngine(t, 1), Logger: quietLogger()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec, payload := do(t, h, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not found", payload["error"])
}
