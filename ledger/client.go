// Package ledger defines the boundary between the relay and the ledger node:
// querying the next expected nonce and submitting signed calls until a
// terminal chain event is observed.
package ledger

import (
	"context"

	"nhbrelay/core/types"
)

// Client is the ledger surface consumed by the dispatch engine.
type Client interface {
	// NextIndex returns the next nonce the ledger expects from address.
	NextIndex(ctx context.Context, address string) (uint64, error)
	// SignAndSubmit signs call with the identity at nonce and blocks until
	// the submission reaches a terminal chain event or fails.
	SignAndSubmit(ctx context.Context, identity types.Identity, call types.Call, nonce uint64) (Result, error)
}

// Result describes a successful inclusion.
type Result struct {
	BlockHash string
	TxHash    string
	Finalized bool
}

// Status values reported by submit-and-watch subscriptions.
const (
	StatusReady           = "ready"
	StatusFuture          = "future"
	StatusBroadcast       = "broadcast"
	StatusInBlock         = "inBlock"
	StatusRetracted       = "retracted"
	StatusFinalized       = "finalized"
	StatusFinalityTimeout = "finalityTimeout"
	StatusUsurped         = "usurped"
	StatusDropped         = "dropped"
	StatusInvalid         = "invalid"
)

// Update is one event of a submit-and-watch subscription.
type Update struct {
	Status        string `json:"status"`
	BlockHash     string `json:"blockHash,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	DispatchError string `json:"dispatchError,omitempty"`
}

// Resolve folds one update into a terminal outcome. done is false while the
// submission is still in progress. When waitFinalized is set an inBlock event
// is not terminal on its own.
func Resolve(update Update, waitFinalized bool) (result Result, done bool, err error) {
	switch update.Status {
	case StatusInBlock, StatusFinalized:
		if update.DispatchError != "" {
			return Result{}, true, &RejectionError{Reason: update.DispatchError, BlockHash: update.BlockHash}
		}
		finalized := update.Status == StatusFinalized
		if waitFinalized && !finalized {
			return Result{}, false, nil
		}
		return Result{BlockHash: update.BlockHash, TxHash: update.TxHash, Finalized: finalized}, true, nil
	case StatusDropped, StatusUsurped, StatusFinalityTimeout:
		return Result{}, true, &DroppedError{Status: update.Status}
	case StatusInvalid:
		return Result{}, true, &DroppedError{Status: update.Status, Invalid: true}
	default:
		return Result{}, false, nil
	}
}
