package nntp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfloren/nzbstream/internal/domain"
)

func TestAllocatorRoundRobin(t *testing.T) {
	dialer := &fakeDialer{}
	alloc := NewAllocator([]domain.ProviderRecord{
		provider("A", 2),
		provider("B", 2),
	}, dialer.dial)

	ctx := context.Background()

	var conns []*ScopedConn
	for i := 0; i < 4; i++ {
		c, err := alloc.CreateConnection(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}

	// Creation alternates between providers, starting at cursor 0
	assert.Equal(t, []string{"A", "B", "A", "B"}, dialer.dialOrder())
	assert.Equal(t, map[string]int{"A": 2, "B": 2}, alloc.LiveCounts())

	// Both providers at cap now
	_, err := alloc.CreateConnection(ctx)
	assert.ErrorIs(t, err, domain.ErrNoCapacity)

	for _, c := range conns {
		c.Dispose()
	}
	assert.Equal(t, map[string]int{"A": 0, "B": 0}, alloc.LiveCounts())
}

func TestAllocatorSkipsProviderAtCap(t *testing.T) {
	dialer := &fakeDialer{}
	alloc := NewAllocator([]domain.ProviderRecord{
		provider("A", 1),
		provider("B", 3),
	}, dialer.dial)

	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := alloc.CreateConnection(ctx)
		require.NoError(t, err)
	}

	// A fills after one connection; the rest land on B
	assert.Equal(t, []string{"A", "B", "B", "B"}, dialer.dialOrder())
	assert.Equal(t, map[string]int{"A": 1, "B": 3}, alloc.LiveCounts())
}

func TestAllocatorTotalConnections(t *testing.T) {
	alloc := NewAllocator([]domain.ProviderRecord{
		provider("A", 3),
		provider("B", 5),
	}, (&fakeDialer{}).dial)
	assert.Equal(t, 8, alloc.TotalConnections())

	// Clamped to at least one slot
	empty := NewAllocator(nil, (&fakeDialer{}).dial)
	assert.Equal(t, 1, empty.TotalConnections())
}

func TestAllocatorDialFailureFreesSlot(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	alloc := NewAllocator([]domain.ProviderRecord{provider("A", 1)}, dialer.dial)

	_, err := alloc.CreateConnection(context.Background())
	require.Error(t, err)

	// The failed dial must not leak its reserved slot
	assert.Equal(t, map[string]int{"A": 0}, alloc.LiveCounts())

	dialer.dialErr = nil
	c, err := alloc.CreateConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", c.Provider)
}

func TestScopedConnDisposeIsOneShot(t *testing.T) {
	dialer := &fakeDialer{}
	alloc := NewAllocator([]domain.ProviderRecord{provider("A", 2)}, dialer.dial)

	c, err := alloc.CreateConnection(context.Background())
	require.NoError(t, err)

	c.Dispose()
	c.Dispose()
	c.Dispose()

	// Double dispose must not decrement twice
	assert.Equal(t, map[string]int{"A": 0}, alloc.LiveCounts())
	assert.True(t, dialer.conn(0).closed.Load())
}
