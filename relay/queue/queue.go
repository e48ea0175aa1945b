// Package queue holds relayed transactions between acceptance and their
// terminal outcome.
package queue

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"nhbrelay/core/types"
)

var (
	// ErrNotFound is returned when an operation names an id that is not queued.
	ErrNotFound = errors.New("queue: transaction not found")
	// ErrDuplicateNonce is returned when a nonce is already held by another
	// active transaction of the same account.
	ErrDuplicateNonce = errors.New("queue: nonce already assigned to an active transaction")
	// ErrTerminal is returned when mutating a transaction that already finished.
	ErrTerminal = errors.New("queue: transaction already terminal")
)

// Option adjusts queue behaviour.
type Option func(*Queue)

// WithClock overrides the clock used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue is an ordered sequence of transactions. Within one account,
// transactions with an assigned nonce precede unassigned ones and are sorted by
// nonce; unassigned transactions keep their arrival order. Transactions of
// different accounts keep whatever relative positions they were inserted at.
type Queue struct {
	mu    sync.Mutex
	items []*types.Transaction
	byID  map[string]*types.Transaction
	now   func() time.Time
}

// New constructs an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		byID: make(map[string]*types.Transaction),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends tx and restores the ordering of its account group. A zero
// status is treated as pending.
func (q *Queue) Enqueue(tx types.Transaction) {
	record := tx.Clone()
	if record.Status == "" {
		record.Status = types.StatusPending
	}
	now := q.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.byID[record.ID]; ok {
		*existing = record
	} else {
		q.items = append(q.items, &record)
		q.byID[record.ID] = &record
	}
	q.reorderLocked(record.Identity.Address)
}

// reorderLocked stable-sorts the transactions of one account and writes them
// back into the slots that account already occupies.
func (q *Queue) reorderLocked(address string) {
	slots := make([]int, 0)
	group := make([]*types.Transaction, 0)
	for i, tx := range q.items {
		if tx.Identity.Address == address {
			slots = append(slots, i)
			group = append(group, tx)
		}
	}
	if len(group) < 2 {
		return
	}
	slices.SortStableFunc(group, func(a, b *types.Transaction) int {
		switch {
		case a.NonceAssigned && !b.NonceAssigned:
			return -1
		case !a.NonceAssigned && b.NonceAssigned:
			return 1
		case a.NonceAssigned && b.NonceAssigned:
			return cmp.Compare(a.Nonce, b.Nonce)
		default:
			return 0
		}
	})
	for i, slot := range slots {
		q.items[slot] = group[i]
	}
}

// Pending returns copies of every pending transaction in queue order.
func (q *Queue) Pending() []types.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Transaction, 0, len(q.items))
	for _, tx := range q.items {
		if tx.Status == types.StatusPending {
			out = append(out, tx.Clone())
		}
	}
	return out
}

// PendingAddresses lists, in order of first appearance, the accounts that have
// at least one pending transaction.
func (q *Queue) PendingAddresses() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, tx := range q.items {
		addr := tx.Identity.Address
		if tx.Status != types.StatusPending || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// NextEligible returns the first pending transaction of address whose backoff
// has elapsed at now.
func (q *Queue) NextEligible(address string, now time.Time) (types.Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tx := range q.items {
		if tx.Identity.Address == address && tx.Eligible(now) {
			return tx.Clone(), true
		}
	}
	return types.Transaction{}, false
}

// HasPending reports whether any transaction is still waiting for dispatch.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tx := range q.items {
		if tx.Status == types.StatusPending {
			return true
		}
	}
	return false
}

// Get returns a copy of the transaction with the supplied id.
func (q *Queue) Get(id string) (types.Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, ok := q.byID[id]
	if !ok {
		return types.Transaction{}, false
	}
	return tx.Clone(), true
}

// SetStatus updates a transaction in place. Unknown ids and transactions that
// are already terminal are left untouched.
func (q *Queue) SetStatus(id string, status types.Status, blockHash, txHash string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, ok := q.byID[id]
	if !ok || tx.Status.Terminal() || !status.Valid() {
		return
	}
	tx.Status = status
	if blockHash != "" {
		tx.BlockHash = blockHash
	}
	if txHash != "" {
		tx.TxHash = txHash
	}
	tx.UpdatedAt = q.now()
}

// AssignNonce records the nonce chosen for a dispatch attempt and re-sorts the
// account group.
func (q *Queue) AssignNonce(id string, nonce uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status.Terminal() {
		return ErrTerminal
	}
	for _, other := range q.items {
		if other == tx || other.Identity.Address != tx.Identity.Address {
			continue
		}
		if other.NonceAssigned && other.Nonce == nonce && !other.Status.Terminal() {
			return ErrDuplicateNonce
		}
	}
	tx.Nonce = nonce
	tx.NonceAssigned = true
	tx.UpdatedAt = q.now()
	q.reorderLocked(tx.Identity.Address)
	return nil
}

// Reschedule moves a transaction back to pending with the supplied retry count
// and eligibility time.
func (q *Queue) Reschedule(id string, retryCount int, notBefore time.Time, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status.Terminal() {
		return ErrTerminal
	}
	tx.Status = types.StatusPending
	tx.RetryCount = retryCount
	tx.NotBefore = notBefore
	tx.Error = reason
	tx.UpdatedAt = q.now()
	return nil
}

// Fail marks a transaction failed with the supplied reason.
func (q *Queue) Fail(id, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, ok := q.byID[id]
	if !ok || tx.Status.Terminal() {
		return
	}
	tx.Status = types.StatusFailed
	tx.Error = reason
	tx.UpdatedAt = q.now()
}

// FailPending fails every pending transaction of address and returns the ids
// it touched.
func (q *Queue) FailPending(address, reason string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	ids := make([]string, 0)
	for _, tx := range q.items {
		if tx.Identity.Address != address || tx.Status != types.StatusPending {
			continue
		}
		tx.Status = types.StatusFailed
		tx.Error = reason
		tx.UpdatedAt = now
		ids = append(ids, tx.ID)
	}
	return ids
}

// Compact drops terminal transactions from the queue and returns them.
func (q *Queue) Compact() []types.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := make([]*types.Transaction, 0, len(q.items))
	removed := make([]types.Transaction, 0)
	for _, tx := range q.items {
		if tx.Status.Terminal() {
			removed = append(removed, tx.Clone())
			delete(q.byID, tx.ID)
			continue
		}
		kept = append(kept, tx)
	}
	q.items = kept
	return removed
}

// Len returns the number of queued transactions, terminal ones included until
// the next compaction.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot copies the full queue in order.
func (q *Queue) Snapshot() []types.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Transaction, len(q.items))
	for i, tx := range q.items {
		out[i] = tx.Clone()
	}
	return out
}
