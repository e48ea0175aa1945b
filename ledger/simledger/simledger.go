// Package simledger is an in-process ledger used for tests and for running
// the relay without a node (NODE_URL=memory://).
package simledger

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nhbrelay/core/types"
	"nhbrelay/ledger"
)

// Submission records one SignAndSubmit call as observed by the ledger.
type Submission struct {
	Address string
	Nonce   uint64
	Call    types.Call
	Err     error
	At      time.Time
}

// Script may inject an error for a submission before nonce checks run.
// Returning nil lets the submission proceed normally.
type Script func(sub Submission) error

// Sequence returns a script that yields errs in order, one per submission,
// and nil once they are exhausted.
func Sequence(errs ...error) Script {
	var mu sync.Mutex
	i := 0
	return func(Submission) error {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(errs) {
			return nil
		}
		err := errs[i]
		i++
		return err
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithScript installs a failure-injection hook.
func WithScript(script Script) Option {
	return func(l *Ledger) { l.script = script }
}

// WithLatency delays every submission, simulating block time.
func WithLatency(d time.Duration) Option {
	return func(l *Ledger) { l.latency = d }
}

// WithClock overrides the clock used to stamp submissions.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger tracks the next expected nonce per address and includes every
// submission whose nonce is not stale.
type Ledger struct {
	script  Script
	latency time.Duration
	now     func() time.Time

	mu          sync.Mutex
	next        map[string]uint64
	height      uint64
	submissions []Submission
}

var _ ledger.Client = (*Ledger)(nil)

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:  time.Now,
		next: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetNextIndex sets the on-chain next nonce for address.
func (l *Ledger) SetNextIndex(address string, n uint64) {
	l.mu.Lock()
	l.next[address] = n
	l.mu.Unlock()
}

// NextIndex implements ledger.Client.
func (l *Ledger) NextIndex(ctx context.Context, address string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next[address], nil
}

// SignAndSubmit implements ledger.Client.
func (l *Ledger) SignAndSubmit(ctx context.Context, identity types.Identity, call types.Call, nonce uint64) (ledger.Result, error) {
	envelope := ledger.NewEnvelope(identity.Address, nonce, call)
	txHash := ""
	if identity.Signer != nil {
		signed, err := envelope.Sign(identity.Signer)
		if err != nil {
			return ledger.Result{}, err
		}
		if txHash, err = signed.Hash(); err != nil {
			return ledger.Result{}, err
		}
	} else {
		digest, err := envelope.Digest()
		if err != nil {
			return ledger.Result{}, err
		}
		txHash = hexutil.Encode(digest)
	}

	if l.latency > 0 {
		timer := time.NewTimer(l.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ledger.Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	sub := Submission{Address: identity.Address, Nonce: nonce, Call: call.Clone(), At: l.now()}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.script != nil {
		if err := l.script(sub); err != nil {
			sub.Err = err
			l.submissions = append(l.submissions, sub)
			return ledger.Result{}, err
		}
	}
	if nonce < l.next[identity.Address] {
		sub.Err = &ledger.RPCError{Code: ledger.CodeInvalidTransaction, Message: "Invalid Transaction", Data: "Transaction is outdated"}
		l.submissions = append(l.submissions, sub)
		return ledger.Result{}, sub.Err
	}
	l.next[identity.Address] = nonce + 1
	l.height++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.height)
	l.submissions = append(l.submissions, sub)
	return ledger.Result{
		BlockHash: hexutil.Encode(ethcrypto.Keccak256(buf[:])),
		TxHash:    txHash,
	}, nil
}

// Submissions returns every submission observed so far, in arrival order.
func (l *Ledger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Submission, len(l.submissions))
	copy(out, l.submissions)
	return out
}

// Height returns the number of included submissions.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}
