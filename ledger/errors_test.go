package ledger

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeSuccess},
		{"priority", &RPCError{Code: CodePriorityTooLow, Message: "Priority is too low"}, OutcomeRetryable},
		{"wrapped priority", fmt.Errorf("submit: %w", ErrPriorityTooLow), OutcomeRetryable},
		{"stale", &RPCError{Code: CodeInvalidTransaction, Message: "Invalid Transaction", Data: "Transaction is outdated"}, OutcomeRetryable},
		{"cannot pay fees", &RPCError{Code: CodeInvalidTransaction, Message: "Invalid Transaction", Data: "Inability to pay some fees"}, OutcomeTransport},
		{"rejected", &RejectionError{Reason: "balances.InsufficientBalance"}, OutcomeRejected},
		{"dropped", &DroppedError{Status: StatusDropped}, OutcomeTransport},
		{"unknown", errors.New("socket reset"), OutcomeTransport},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestResolve(t *testing.T) {
	if _, done, _ := Resolve(Update{Status: StatusReady}, false); done {
		t.Fatalf("ready must not be terminal")
	}
	res, done, err := Resolve(Update{Status: StatusInBlock, BlockHash: "0xb", TxHash: "0xt"}, false)
	if !done || err != nil || res.BlockHash != "0xb" || res.TxHash != "0xt" {
		t.Fatalf("unexpected inBlock resolution %+v %t %v", res, done, err)
	}
	if _, done, _ := Resolve(Update{Status: StatusInBlock}, true); done {
		t.Fatalf("inBlock must wait when finality is required")
	}
	_, done, err = Resolve(Update{Status: StatusInBlock, DispatchError: "Module"}, true)
	if !done || !errors.Is(err, ErrCallRejected) {
		t.Fatalf("dispatch error must reject immediately, got %v", err)
	}
	_, done, err = Resolve(Update{Status: StatusInvalid}, false)
	var dropped *DroppedError
	if !done || !errors.As(err, &dropped) || !dropped.Invalid {
		t.Fatalf("expected invalid drop, got %v", err)
	}
}
