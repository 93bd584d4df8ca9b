package nntp

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/mfloren/nzbstream/internal/domain"
)

// PoolEvent is a utilization snapshot, emitted after every state change.
type PoolEvent struct {
	Live int
	Idle int
	Max  int
}

// String renders the snapshot in the wire form the telemetry topic wants.
func (e PoolEvent) String() string {
	return fmt.Sprintf("%d|%d|%d", e.Live, e.Max, e.Idle)
}

// Pool hands out at most max concurrently-leased connections, creating
// them lazily through the factory and recycling idle ones. Waiters queue
// FIFO. The observer is called outside the pool lock and must not block.
type Pool struct {
	max      int
	factory  func(ctx context.Context) (*ScopedConn, error)
	observer func(PoolEvent)

	mu      sync.Mutex
	idle    []*ScopedConn
	live    int
	waiters *list.List // of chan struct{}, closed to wake
	closed  bool
}

func NewPool(alloc *Allocator, observer func(PoolEvent)) *Pool {
	return &Pool{
		max:      alloc.TotalConnections(),
		factory:  alloc.CreateConnection,
		observer: observer,
		waiters:  list.New(),
	}
}

// Max returns the pool bound.
func (p *Pool) Max() int { return p.max }

// Snapshot returns the current utilization without touching it.
func (p *Pool) Snapshot() PoolEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolEvent{Live: p.live, Idle: len(p.idle), Max: p.max}
}

// Acquire leases a connection: recycle an idle one, create a new one if
// the bound allows, otherwise wait FIFO for a release. Cancellation is
// honored at every wait.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()

		if p.closed {
			p.mu.Unlock()
			return nil, domain.ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.live++
			p.mu.Unlock()

			p.publish()
			return &Lease{pool: p, conn: conn}, nil
		}

		if p.live < p.max {
			// Reserve the slot before dialing so concurrent acquires
			// can't overshoot the bound.
			p.live++
			p.mu.Unlock()

			conn, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.wakeLocked()
				p.mu.Unlock()

				p.publish()
				return nil, err
			}

			p.publish()
			return &Lease{pool: p, conn: conn}, nil
		}

		// At capacity: join the back of the queue.
		wake := make(chan struct{})
		elem := p.waiters.PushBack(wake)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.mu.Lock()
			select {
			case <-wake:
				// Woken and cancelled at the same time: pass the wake
				// along so the release isn't lost.
				p.wakeLocked()
			default:
				p.waiters.Remove(elem)
			}
			p.mu.Unlock()
			return nil, ctx.Err()
		case <-wake:
			// Retry; another acquirer may still race us to the slot.
		}
	}
}

// release returns a leased connection. Replace means the connection is
// broken or suspect: dispose it and free the slot instead of recycling.
func (p *Pool) release(conn *ScopedConn, replace bool) {
	var dispose bool

	p.mu.Lock()
	p.live--
	if replace || p.closed {
		dispose = true
	} else {
		p.idle = append(p.idle, conn)
	}
	p.wakeLocked()
	p.mu.Unlock()

	if dispose {
		conn.Dispose()
	}
	p.publish()
}

// Close refuses new acquires and disposes every idle connection. Live
// connections are disposed as their leases return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil

	// Pending waiters will observe closed on retry.
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan struct{}))
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Dispose()
	}
	p.publish()
}

// wakeLocked pops and wakes the earliest waiter. Caller holds p.mu.
func (p *Pool) wakeLocked() {
	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		close(e.Value.(chan struct{}))
	}
}

// publish snapshots utilization and hands it to the observer, off-lock and
// best-effort.
func (p *Pool) publish() {
	if p.observer == nil {
		return
	}
	p.observer(p.Snapshot())
}

// Lease is a short-term exclusive grant of one pooled connection.
type Lease struct {
	pool    *Pool
	conn    *ScopedConn
	replace bool
	once    sync.Once
}

// Conn exposes the leased session.
func (l *Lease) Conn() *ScopedConn { return l.conn }

// Replace marks the connection to be thrown away on release instead of
// returned to the idle set. It does not release.
func (l *Lease) Replace() { l.replace = true }

// Release returns the connection to the pool. Exactly one release takes
// effect no matter how many code paths call it.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.conn, l.replace)
	})
}
