// Package nonce hands out per-address sequence numbers. Allocation is
// optimistic: the next value is reserved before the caller submits, so two
// dispatches for the same address can never observe the same nonce.
package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// IndexSource reports the ledger's next expected nonce for an address.
type IndexSource interface {
	NextIndex(ctx context.Context, address string) (uint64, error)
}

// Allocator tracks the next nonce to assign for every address it has seen.
// Values are never decremented.
type Allocator struct {
	source IndexSource
	logger *slog.Logger

	mu     sync.Mutex
	next   map[string]uint64
	seen   map[string]bool
	resync map[string]bool
}

// NewAllocator constructs an allocator backed by the supplied index source.
func NewAllocator(source IndexSource, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		source: source,
		logger: logger,
		next:   make(map[string]uint64),
		seen:   make(map[string]bool),
		resync: make(map[string]bool),
	}
}

// Allocate reserves the next nonce for address. The first allocation for an
// address, and the first after Resync, consults the ledger and takes the
// larger of the local and on-chain values; other allocations use the local
// counter only.
func (a *Allocator) Allocate(ctx context.Context, address string) (uint64, error) {
	a.mu.Lock()
	if a.seen[address] && !a.resync[address] {
		n := a.next[address]
		a.next[address] = n + 1
		a.mu.Unlock()
		return n, nil
	}
	a.mu.Unlock()

	onChain, err := a.source.NextIndex(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("nonce: query next index for %s: %w", address, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.next[address]
	if onChain > n {
		n = onChain
	}
	a.seen[address] = true
	delete(a.resync, address)
	a.next[address] = n + 1
	return n, nil
}

// Resync makes the next allocation for address consult the ledger again, for
// use after the ledger reported a nonce as already consumed. The local counter
// only ever moves forward.
func (a *Allocator) Resync(address string) {
	a.mu.Lock()
	if a.seen[address] {
		a.resync[address] = true
	}
	a.mu.Unlock()
}

// Seed queries the ledger for every address concurrently and records the
// on-chain value. Failures are logged and leave the address to be seeded on
// first allocation.
func (a *Allocator) Seed(ctx context.Context, addresses []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, address := range addresses {
		g.Go(func() error {
			onChain, err := a.source.NextIndex(gctx, address)
			if err != nil {
				a.logger.Warn("nonce seed failed", slog.String("account", address), slog.Any("error", err))
				return nil
			}
			a.mu.Lock()
			if !a.seen[address] {
				if onChain > a.next[address] {
					a.next[address] = onChain
				}
				a.seen[address] = true
			}
			a.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// Peek returns the next nonce that would be assigned to address without
// reserving it. The second result is false if the address is still unseeded.
func (a *Allocator) Peek(address string) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next[address], a.seen[address]
}

// Snapshot copies the nonce map.
func (a *Allocator) Snapshot() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]uint64, len(a.next))
	for addr, n := range a.next {
		if a.seen[addr] {
			out[addr] = n
		}
	}
	return out
}
