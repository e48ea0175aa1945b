package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:   false,
		StatusSubmitted: false,
		StatusCompleted: true,
		StatusFailed:    true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s: expected terminal=%t, got %t", status, want, got)
		}
		if !status.Valid() {
			t.Fatalf("%s: expected valid status", status)
		}
	}
	if Status("confirmed").Valid() {
		t.Fatalf("unexpected valid status")
	}
}

func TestNewCallEncodesParams(t *testing.T) {
	call, err := NewCall("system", "remark", "hello", 42)
	if err != nil {
		t.Fatalf("new call: %v", err)
	}
	if call.String() != "system.remark" {
		t.Fatalf("unexpected call name %q", call.String())
	}
	if len(call.Params) != 2 || string(call.Params[0]) != `"hello"` || string(call.Params[1]) != "42" {
		t.Fatalf("unexpected params %s", call.Params)
	}
}

func TestTransactionCloneDoesNotAlias(t *testing.T) {
	tx := Transaction{
		ID:   "tx-1",
		Call: Call{Module: "system", Method: "remark", Params: []json.RawMessage{json.RawMessage(`"a"`)}},
	}
	clone := tx.Clone()
	clone.Call.Params[0][1] = 'b'
	if string(tx.Call.Params[0]) != `"a"` {
		t.Fatalf("clone mutated original params: %s", tx.Call.Params[0])
	}
}

func TestTransactionEligible(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tx := Transaction{Status: StatusPending, NotBefore: now.Add(time.Second)}
	if tx.Eligible(now) {
		t.Fatalf("expected transaction to be held back by backoff")
	}
	if !tx.Eligible(now.Add(time.Second)) {
		t.Fatalf("expected transaction eligible once backoff elapsed")
	}
	tx.Status = StatusSubmitted
	if tx.Eligible(now.Add(time.Minute)) {
		t.Fatalf("submitted transaction must not be eligible")
	}
}
