package nntp

import (
	"context"
	"io"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mfloren/nzbstream/internal/domain"
)

// fakeConn is a scriptable Conn for pool and client tests.
type fakeConn struct {
	id       int
	provider string

	statFn  func(ctx context.Context, messageID string) error
	dateFn  func(ctx context.Context) (time.Time, error)
	headFn  func(ctx context.Context, messageID string) (textproto.MIMEHeader, error)
	bodyFn  func(ctx context.Context, messageID string) (io.ReadCloser, error)
	readyFn func(ctx context.Context) error

	closed atomic.Bool
}

func (f *fakeConn) Stat(ctx context.Context, messageID string) error {
	if f.statFn != nil {
		return f.statFn(ctx, messageID)
	}
	return nil
}

func (f *fakeConn) Date(ctx context.Context) (time.Time, error) {
	if f.dateFn != nil {
		return f.dateFn(ctx)
	}
	return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), nil
}

func (f *fakeConn) Head(ctx context.Context, messageID string) (textproto.MIMEHeader, error) {
	if f.headFn != nil {
		return f.headFn(ctx, messageID)
	}
	return textproto.MIMEHeader{"Message-Id": []string{messageID}}, nil
}

func (f *fakeConn) Body(ctx context.Context, messageID string) (io.ReadCloser, error) {
	if f.bodyFn != nil {
		return f.bodyFn(ctx, messageID)
	}
	return io.NopCloser(strings.NewReader("=ybegin part=1 size=1000 name=x\r\ndata")), nil
}

func (f *fakeConn) WaitUntilReady(ctx context.Context) error {
	if f.readyFn != nil {
		return f.readyFn(ctx)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeDialer builds fakeConns and remembers every one it made.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	order []string // provider name per dial, for fairness assertions

	// configure applies per-connection scripting before first use
	configure func(c *fakeConn)

	// dialErr, when set, fails every dial
	dialErr error
}

func (d *fakeDialer) dial(ctx context.Context, p domain.ProviderRecord) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dialErr != nil {
		d.order = append(d.order, p.Name)
		return nil, d.dialErr
	}

	c := &fakeConn{id: len(d.conns), provider: p.Name}
	if d.configure != nil {
		d.configure(c)
	}
	d.conns = append(d.conns, c)
	d.order = append(d.order, p.Name)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) dialOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func provider(name string, maxConns int) domain.ProviderRecord {
	return domain.ProviderRecord{
		Name:           name,
		Host:           name + ".example.net",
		Port:           119,
		MaxConnections: maxConns,
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
