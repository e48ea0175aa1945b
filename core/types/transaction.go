package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status describes where a relayed transaction sits in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"   // Waiting for dispatch (initial, and after a retryable failure)
	StatusSubmitted Status = "submitted" // Handed to the ledger client, awaiting inclusion
	StatusCompleted Status = "completed" // Included on chain
	StatusFailed    Status = "failed"    // Terminal failure
)

// Terminal reports whether no further transitions are allowed from the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Call is a remote operation request. The relay never inspects Params; they are
// forwarded verbatim to the ledger client.
type Call struct {
	Module string            `json:"module"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// NewCall builds a call, JSON encoding each parameter.
func NewCall(module, method string, params ...interface{}) (Call, error) {
	call := Call{Module: module, Method: method, Params: make([]json.RawMessage, 0, len(params))}
	for i, param := range params {
		raw, err := json.Marshal(param)
		if err != nil {
			return Call{}, fmt.Errorf("encode param %d: %w", i, err)
		}
		call.Params = append(call.Params, raw)
	}
	return call, nil
}

// String renders the call as module.method.
func (c Call) String() string {
	return strings.TrimSpace(c.Module) + "." + strings.TrimSpace(c.Method)
}

// Clone returns a deep copy so queue snapshots never alias caller memory.
func (c Call) Clone() Call {
	out := Call{Module: c.Module, Method: c.Method}
	if c.Params != nil {
		out.Params = make([]json.RawMessage, len(c.Params))
		for i, p := range c.Params {
			out.Params[i] = append(json.RawMessage(nil), p...)
		}
	}
	return out
}

// Transaction is a queued call bound to the identity that will sign it.
type Transaction struct {
	ID            string
	Identity      Identity
	Call          Call
	Nonce         uint64
	NonceAssigned bool
	Status        Status
	BlockHash     string
	TxHash        string
	RetryCount    int
	Error         string
	// NotBefore holds back a pending transaction until its retry backoff elapses.
	NotBefore time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Account returns the signing address.
func (tx Transaction) Account() string {
	return tx.Identity.Address
}

// Eligible reports whether the transaction may be dispatched at now.
func (tx Transaction) Eligible(now time.Time) bool {
	return tx.Status == StatusPending && !now.Before(tx.NotBefore)
}

// Clone returns a copy of the transaction that shares no mutable state.
func (tx Transaction) Clone() Transaction {
	out := tx
	out.Call = tx.Call.Clone()
	return out
}
