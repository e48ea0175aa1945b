package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nhbrelay/core/types"
	"nhbrelay/gateway/middleware"
	"nhbrelay/observability"
	"nhbrelay/relay/dispatch"
	"nhbrelay/relay/pool"
)

const (
	transactionsRequestLimit = 1 << 20 // 1 MiB
	defaultSyncTimeout       = 60 * time.Second
	defaultRecentLimit       = 50
	maxRecentLimit           = 500

	msgMissingFields = "Missing required fields"
	msgNoAccounts    = "No accounts available"
	msgQueued        = "Transaction added to queue"
	msgProcessed     = "Transaction processed"
	msgStillRunning  = "Transaction still processing"
)

type transactionRoutes struct {
	engine      Dispatcher
	allow       allowlist
	synchronous bool
	syncTimeout time.Duration
	logger      *slog.Logger
}

type submitRequest struct {
	Module *string         `json:"module"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
}

type submitResponse struct {
	Message       string `json:"message"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status,omitempty"`
	BlockHash     string `json:"blockHash,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	Error         string `json:"error,omitempty"`
}

type callView struct {
	Module string            `json:"module"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type queueItem struct {
	ID      string   `json:"id"`
	Account string   `json:"account"`
	Call    callView `json:"call"`
	Status  string   `json:"status"`
}

type queueResponse struct {
	QueueLength int         `json:"queueLength"`
	QueueItems  []queueItem `json:"queueItems"`
}

type transactionView struct {
	ID         string    `json:"id"`
	Account    string    `json:"account"`
	Call       callView  `json:"call"`
	Nonce      *uint64   `json:"nonce,omitempty"`
	Status     string    `json:"status"`
	BlockHash  string    `json:"blockHash,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	RetryCount int       `json:"retryCount"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func viewCall(call types.Call) callView {
	params := call.Params
	if params == nil {
		params = []json.RawMessage{}
	}
	return callView{Module: call.Module, Method: call.Method, Params: params}
}

func viewTransaction(tx types.Transaction) transactionView {
	view := transactionView{
		ID:         tx.ID,
		Account:    tx.Identity.Address,
		Call:       viewCall(tx.Call),
		Status:     string(tx.Status),
		BlockHash:  tx.BlockHash,
		TxHash:     tx.TxHash,
		RetryCount: tx.RetryCount,
		Error:      tx.Error,
		CreatedAt:  tx.CreatedAt,
		UpdatedAt:  tx.UpdatedAt,
	}
	if tx.NonceAssigned {
		nonce := tx.Nonce
		view.Nonce = &nonce
	}
	return view
}

func (tr *transactionRoutes) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, transactionsRequestLimit))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	call, err := decodeCall(body)
	if err != nil {
		observability.Gateway().RecordRejection("validation")
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !tr.allow.permits(call) {
		observability.Gateway().RecordRejection("call_not_allowed")
		middleware.WriteError(w, http.StatusUnprocessableEntity, "call "+call.String()+" is not allowed")
		return
	}

	if !tr.wait(r) {
		tx, err := tr.engine.Submit(call)
		if err != nil {
			tr.writeSubmitError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, submitResponse{Message: msgQueued, TransactionID: tx.ID})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), tr.syncTimeout)
	defer cancel()
	tx, err := tr.engine.SubmitAndWait(ctx, call)
	switch {
	case err == nil:
		middleware.WriteJSON(w, http.StatusOK, submitResponse{
			Message:       msgProcessed,
			TransactionID: tx.ID,
			Status:        string(tx.Status),
			BlockHash:     tx.BlockHash,
			TxHash:        tx.TxHash,
			Error:         tx.Error,
		})
	case tx.ID != "" && errors.Is(err, context.DeadlineExceeded):
		tr.logger.Warn("synchronous submission timed out", slog.String("tx", tx.ID), slog.Duration("timeout", tr.syncTimeout))
		middleware.WriteJSON(w, http.StatusOK, submitResponse{
			Message:       msgStillRunning,
			TransactionID: tx.ID,
			Status:        string(tx.Status),
		})
	case tx.ID != "":
		// The client went away; the transaction stays queued.
		tr.logger.Info("synchronous submission abandoned by client", slog.String("tx", tx.ID))
	default:
		tr.writeSubmitError(w, err)
	}
}

func (tr *transactionRoutes) wait(r *http.Request) bool {
	raw := strings.TrimSpace(r.URL.Query().Get("wait"))
	if raw == "" {
		return tr.synchronous
	}
	wait, err := strconv.ParseBool(raw)
	if err != nil {
		return tr.synchronous
	}
	return wait
}

func (tr *transactionRoutes) writeSubmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, pool.ErrPoolExhausted) {
		observability.Gateway().RecordRejection("no_accounts")
		middleware.WriteError(w, http.StatusServiceUnavailable, msgNoAccounts)
		return
	}
	tr.logger.Error("submit transaction", slog.Any("error", err))
	middleware.WriteError(w, http.StatusInternalServerError, "failed to queue transaction")
}

// decodeCall validates the submission body. Module and method must be
// non-empty strings and params must be present; a non-array params value is
// treated as a single parameter.
func decodeCall(body []byte) (types.Call, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return types.Call{}, errors.New(msgMissingFields)
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return types.Call{}, errors.New("invalid JSON body")
	}
	if req.Module == nil || req.Method == nil || strings.TrimSpace(*req.Module) == "" || strings.TrimSpace(*req.Method) == "" {
		return types.Call{}, errors.New(msgMissingFields)
	}
	raw := bytes.TrimSpace(req.Params)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return types.Call{}, errors.New(msgMissingFields)
	}
	call := types.Call{Module: strings.TrimSpace(*req.Module), Method: strings.TrimSpace(*req.Method)}
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &call.Params); err != nil {
			return types.Call{}, errors.New("invalid params")
		}
	} else {
		call.Params = []json.RawMessage{append(json.RawMessage(nil), raw...)}
	}
	if call.Params == nil {
		call.Params = []json.RawMessage{}
	}
	return call, nil
}

func (tr *transactionRoutes) queue(w http.ResponseWriter, r *http.Request) {
	snapshot := tr.engine.QueueSnapshot()
	items := make([]queueItem, 0, len(snapshot))
	for _, tx := range snapshot {
		items = append(items, queueItem{
			ID:      tx.ID,
			Account: tx.Identity.Address,
			Call:    viewCall(tx.Call),
			Status:  string(tx.Status),
		})
	}
	middleware.WriteJSON(w, http.StatusOK, queueResponse{QueueLength: len(items), QueueItems: items})
}

func (tr *transactionRoutes) lookup(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	tx, err := tr.engine.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "transaction not found")
			return
		}
		tr.logger.Error("lookup transaction", slog.String("tx", id), slog.Any("error", err))
		middleware.WriteError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewTransaction(tx))
}

func (tr *transactionRoutes) recent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			middleware.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	txs, err := tr.engine.Recent(r.Context(), limit)
	if err != nil {
		tr.logger.Error("list archived transactions", slog.Any("error", err))
		middleware.WriteError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, viewTransaction(tx))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"transactions": views})
}

// allowlist maps module -> methods. An empty allowlist permits every call.
type allowlist map[string]map[string]struct{}

func newAllowlist(calls map[string][]string) allowlist {
	if len(calls) == 0 {
		return nil
	}
	out := make(allowlist, len(calls))
	for module, methods := range calls {
		set := make(map[string]struct{}, len(methods))
		for _, method := range methods {
			set[strings.TrimSpace(method)] = struct{}{}
		}
		out[strings.TrimSpace(module)] = set
	}
	return out
}

func (a allowlist) permits(call types.Call) bool {
	if len(a) == 0 {
		return true
	}
	methods, ok := a[call.Module]
	if !ok {
		return false
	}
	if _, ok := methods["*"]; ok {
		return true
	}
	_, ok = methods[call.Method]
	return ok
}
