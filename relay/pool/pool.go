// Package pool maintains the ordered set of signing identities the relay
// rotates through when binding incoming calls.
package pool

import (
	"errors"
	"sync"

	"nhbrelay/core/types"
)

// ErrPoolExhausted is returned when no identity is left to hand out.
var ErrPoolExhausted = errors.New("pool: no accounts available")

// Pool hands out identities in round-robin order. Identities removed from the
// pool are never returned again until they are explicitly re-added.
type Pool struct {
	mu         sync.Mutex
	identities []types.Identity
	cursor     int
}

// New constructs a pool seeded with the supplied identities in order.
func New(identities ...types.Identity) *Pool {
	p := &Pool{identities: make([]types.Identity, 0, len(identities))}
	for _, id := range identities {
		p.Add(id)
	}
	return p
}

// Next returns the identity under the cursor and advances it.
func (p *Pool) Next() (types.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.identities) == 0 {
		return types.Identity{}, ErrPoolExhausted
	}
	if p.cursor >= len(p.identities) {
		p.cursor = 0
	}
	id := p.identities[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.identities)
	return id, nil
}

// Remove drops every identity matching address and returns how many were
// removed. Removing an absent address is a no-op.
func (p *Pool) Remove(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.identities[:0]
	removed := 0
	for _, id := range p.identities {
		if id.Address == address {
			removed++
			continue
		}
		kept = append(kept, id)
	}
	for i := len(kept); i < len(p.identities); i++ {
		p.identities[i] = types.Identity{}
	}
	p.identities = kept
	if p.cursor >= len(p.identities) {
		p.cursor = 0
	}
	return removed
}

// Add appends an identity unless its address is already present. It reports
// whether the identity was added.
func (p *Pool) Add(id types.Identity) bool {
	if id.Address == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.identities {
		if existing.Address == id.Address {
			return false
		}
	}
	p.identities = append(p.identities, id)
	return true
}

// Contains reports whether address is still eligible for new work.
func (p *Pool) Contains(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.identities {
		if id.Address == address {
			return true
		}
	}
	return false
}

// Size returns the number of identities in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}

// Addresses lists pool members in rotation order.
func (p *Pool) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.identities))
	for i, id := range p.identities {
		out[i] = id.Address
	}
	return out
}
