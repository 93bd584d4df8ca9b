package nntp

import (
	"context"
	"sync"

	"github.com/mfloren/nzbstream/internal/domain"
	"github.com/segmentio/ksuid"
)

// Allocator decides which provider each new connection is created against.
// Round-robin by cursor, skipping providers at their connection cap. Not
// weighted: a big provider simply stays eligible for more rounds.
type Allocator struct {
	mu        sync.Mutex
	providers []domain.ProviderRecord
	live      []int
	cursor    int
	dial      DialFunc
}

func NewAllocator(providers []domain.ProviderRecord, dial DialFunc) *Allocator {
	normalized := make([]domain.ProviderRecord, len(providers))
	for i, p := range providers {
		normalized[i] = p.Normalize()
	}

	return &Allocator{
		providers: normalized,
		live:      make([]int, len(normalized)),
		dial:      dial,
	}
}

// TotalConnections is the pool bound: the sum of per-provider caps,
// clamped so a pool always has at least one slot.
func (a *Allocator) TotalConnections() int {
	total := 0
	for _, p := range a.providers {
		total += p.MaxConnections
	}
	if total < 1 {
		total = 1
	}
	return total
}

// CreateConnection picks the next provider with a free slot, dials it, and
// returns a scoped connection whose disposal frees the slot. The slot is
// reserved before dialing and given back if the dial fails, so the
// per-provider cap holds even while connects are in flight.
func (a *Allocator) CreateConnection(ctx context.Context) (*ScopedConn, error) {
	a.mu.Lock()

	if len(a.providers) == 0 {
		a.mu.Unlock()
		return nil, domain.ErrNoCapacity
	}

	idx := -1
	for i := range a.providers {
		candidate := (a.cursor + i) % len(a.providers)
		if a.live[candidate] < a.providers[candidate].MaxConnections {
			idx = candidate
			break
		}
	}

	if idx < 0 {
		a.mu.Unlock()
		return nil, domain.ErrNoCapacity
	}

	a.live[idx]++
	a.cursor = (idx + 1) % len(a.providers)
	provider := a.providers[idx]
	a.mu.Unlock()

	conn, err := a.dial(ctx, provider)
	if err != nil {
		a.releaseSlot(idx)
		return nil, err
	}

	return &ScopedConn{
		Conn:     conn,
		ID:       ksuid.New().String(),
		Provider: provider.Name,
		release:  func() { a.releaseSlot(idx) },
	}, nil
}

func (a *Allocator) releaseSlot(idx int) {
	a.mu.Lock()
	a.live[idx]--
	a.mu.Unlock()
}

// LiveCounts returns a snapshot of per-provider live connections.
func (a *Allocator) LiveCounts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make(map[string]int, len(a.providers))
	for i, p := range a.providers {
		counts[p.Name] = a.live[i]
	}
	return counts
}

// ScopedConn wraps a session with a one-shot release of its provider slot.
type ScopedConn struct {
	Conn
	ID       string
	Provider string

	release func()
	once    sync.Once
}

// Dispose closes the session and frees the provider slot. Safe to call
// more than once; the slot is only ever given back a single time.
func (s *ScopedConn) Dispose() {
	s.once.Do(func() {
		s.Conn.Close()
		s.release()
	})
}
