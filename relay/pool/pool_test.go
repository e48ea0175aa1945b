package pool

import (
	"errors"
	"sync"
	"testing"

	"nhbrelay/core/types"
)

func ids(addrs ...string) []types.Identity {
	out := make([]types.Identity, len(addrs))
	for i, addr := range addrs {
		out[i] = types.Identity{Address: addr}
	}
	return out
}

func TestNextRoundRobin(t *testing.T) {
	p := New(ids("A", "B", "C")...)
	want := []string{"A", "B", "C", "A", "B"}
	for i, addr := range want {
		id, err := p.Next()
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if id.Address != addr {
			t.Fatalf("next %d: expected %s, got %s", i, addr, id.Address)
		}
	}
}

func TestNextEmptyPool(t *testing.T) {
	p := New()
	if _, err := p.Next(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestRemoveResetsCursorPastEnd(t *testing.T) {
	p := New(ids("A", "B", "C")...)
	p.Next()
	p.Next() // cursor now at C
	if removed := p.Remove("C"); removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
	id, err := p.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if id.Address != "A" {
		t.Fatalf("expected cursor reset to A, got %s", id.Address)
	}
	if p.Contains("C") {
		t.Fatalf("removed identity still present")
	}
}

func TestRemoveLastIdentityExhausts(t *testing.T) {
	p := New(ids("A")...)
	p.Remove("A")
	if _, err := p.Next(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected exhausted pool, got %v", err)
	}
	if p.Remove("A") != 0 {
		t.Fatalf("removing absent address should be a no-op")
	}
}

func TestAddDeduplicates(t *testing.T) {
	p := New(ids("A", "A", "B")...)
	if p.Size() != 2 {
		t.Fatalf("expected 2 identities, got %d", p.Size())
	}
	if p.Add(types.Identity{}) {
		t.Fatalf("empty address should be rejected")
	}
	got := p.Addresses()
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("unexpected addresses %v", got)
	}
}

func TestConcurrentNextAndRemove(t *testing.T) {
	p := New(ids("A", "B", "C", "D")...)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if id, err := p.Next(); err == nil && id.Address == "" {
					t.Errorf("received zero identity")
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Remove("B")
		p.Remove("D")
	}()
	wg.Wait()
	for i := 0; i < 4; i++ {
		id, err := p.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if id.Address == "B" || id.Address == "D" {
			t.Fatalf("removed identity %s returned", id.Address)
		}
	}
}
