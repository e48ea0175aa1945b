package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPriorityTooLow signals that a conflicting submission with the same
	// nonce is already in the ledger's pending pool.
	ErrPriorityTooLow = errors.New("ledger: priority is too low")
	// ErrStaleNonce signals that the nonce was already consumed on chain.
	ErrStaleNonce = errors.New("ledger: transaction is outdated")
	// ErrCallRejected signals that chain logic executed and rejected the call.
	ErrCallRejected = errors.New("ledger: call rejected")
	// ErrDropped signals that the submission left the pool without inclusion.
	ErrDropped = errors.New("ledger: submission dropped")
	// ErrClosed is returned by a client after Close.
	ErrClosed = errors.New("ledger: client closed")
)

const (
	// CodePriorityTooLow is the pool error returned for a same-nonce conflict.
	CodePriorityTooLow = 1014
	// CodeInvalidTransaction covers pool validation failures, including stale
	// nonces and accounts unable to pay fees.
	CodeInvalidTransaction = 1010
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Is maps pool error codes onto the package sentinels.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrPriorityTooLow:
		return e.Code == CodePriorityTooLow
	case ErrStaleNonce:
		if e.Code != CodeInvalidTransaction {
			return false
		}
		text := strings.ToLower(e.Message + " " + e.Data)
		return strings.Contains(text, "outdated") || strings.Contains(text, "stale")
	}
	return false
}

// RejectionError carries the dispatch error of an included but failed call.
type RejectionError struct {
	Reason    string
	BlockHash string
}

func (e *RejectionError) Error() string {
	return "ledger: call rejected: " + e.Reason
}

func (e *RejectionError) Unwrap() error { return ErrCallRejected }

// DroppedError reports a terminal pool status other than inclusion.
type DroppedError struct {
	Status  string
	Invalid bool
}

func (e *DroppedError) Error() string {
	return "ledger: submission " + e.Status
}

func (e *DroppedError) Unwrap() error { return ErrDropped }

// Outcome classifies a submission result for the dispatch engine.
type Outcome int

const (
	// OutcomeSuccess means the call was included.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the same call may be resubmitted with a fresh nonce.
	OutcomeRetryable
	// OutcomeRejected means the call itself is invalid; the identity is fine.
	OutcomeRejected
	// OutcomeTransport covers every other failure and implicates the identity.
	OutcomeTransport
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransport:
		return "transport"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps a SignAndSubmit error onto an outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrPriorityTooLow), errors.Is(err, ErrStaleNonce):
		return OutcomeRetryable
	case errors.Is(err, ErrCallRejected):
		return OutcomeRejected
	default:
		return OutcomeTransport
	}
}
