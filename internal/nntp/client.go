package nntp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/mfloren/nzbstream/internal/domain"
)

const (
	dialTimeout    = 10 * time.Second
	commandTimeout = 30 * time.Second
)

// client is a single TCP/TLS session to one news server.
type client struct {
	provider domain.ProviderRecord
	raw      net.Conn
	conn     *textproto.Conn

	mu       sync.Mutex
	inflight *drainState // non-nil while a body stream is outstanding
}

// Dial connects and authenticates a session using the provider's
// parameters. This is the factory the allocator hands to the pool.
func Dial(ctx context.Context, p domain.ProviderRecord) (Conn, error) {
	addr := p.Addr()

	var raw net.Conn
	var err error

	if p.UseSSL {
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: dialTimeout},
			Config: &tls.Config{
				ServerName: p.Host,
				MinVersion: tls.VersionTLS12,
			},
		}
		raw, err = d.DialContext(ctx, "tcp", addr)
	} else {
		d := &net.Dialer{Timeout: dialTimeout}
		raw, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCannotConnect, addr, err)
	}

	c := &client{
		provider: p,
		raw:      raw,
		conn:     textproto.NewConn(raw),
	}

	// Usenet servers greet with 200, or 201 when posting is not allowed.
	// Either is fine for downloading.
	raw.SetDeadline(time.Now().Add(commandTimeout))
	code, msg, err := c.conn.ReadCodeLine(-1)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: bad greeting: %v", domain.ErrCannotConnect, err)
	}
	if code != 200 && code != 201 {
		raw.Close()
		return nil, fmt.Errorf("%w: greeting %d %s", domain.ErrCannotConnect, code, msg)
	}

	if err := c.authenticate(); err != nil {
		raw.Close()
		return nil, err
	}

	raw.SetDeadline(time.Time{})
	return c, nil
}

func (c *client) authenticate() error {
	if c.provider.Username == "" {
		return nil
	}

	if _, err := c.conn.Cmd("AUTHINFO USER %s", c.provider.Username); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCannotAuthenticate, err)
	}

	// 381: password required. Some servers accept the user alone with 281.
	code, _, err := c.conn.ReadCodeLine(-1)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCannotAuthenticate, err)
	}
	if code == 281 {
		return nil
	}
	if code != 381 {
		return fmt.Errorf("%w: AUTHINFO USER got %d", domain.ErrCannotAuthenticate, code)
	}

	if _, err := c.conn.Cmd("AUTHINFO PASS %s", c.provider.Password); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCannotAuthenticate, err)
	}

	if _, _, err := c.conn.ReadCodeLine(281); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCannotAuthenticate, err)
	}

	return nil
}

// formatMessageID ensures the angle brackets NNTP wants on the wire.
func formatMessageID(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

func (c *client) Stat(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.raw.SetDeadline(deadlineFrom(ctx))
	if _, err := c.conn.Cmd("STAT %s", formatMessageID(messageID)); err != nil {
		return err
	}

	// 223: article exists
	_, _, err := c.conn.ReadCodeLine(223)
	return mapResponseError(err)
}

func (c *client) Date(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	c.raw.SetDeadline(deadlineFrom(ctx))
	if _, err := c.conn.Cmd("DATE"); err != nil {
		return time.Time{}, err
	}

	_, msg, err := c.conn.ReadCodeLine(111)
	if err != nil {
		return time.Time{}, mapResponseError(err)
	}

	t, err := time.Parse("20060102150405", strings.TrimSpace(msg))
	if err != nil {
		return time.Time{}, &ProtocolError{Code: 111, Msg: "unparseable DATE response: " + msg}
	}
	return t, nil
}

func (c *client) Head(ctx context.Context, messageID string) (textproto.MIMEHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.raw.SetDeadline(deadlineFrom(ctx))
	if _, err := c.conn.Cmd("HEAD %s", formatMessageID(messageID)); err != nil {
		return nil, err
	}

	// 221: headers follow, dot-terminated
	if _, _, err := c.conn.ReadCodeLine(221); err != nil {
		return nil, mapResponseError(err)
	}

	dot := c.conn.DotReader()
	hdr, err := textproto.NewReader(bufio.NewReader(dot)).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		// Drain the remainder so the session stays usable
		io.Copy(io.Discard, dot)
		return nil, &ProtocolError{Code: 221, Msg: "malformed header block: " + err.Error()}
	}
	io.Copy(io.Discard, dot)

	return hdr, nil
}

func (c *client) Body(ctx context.Context, messageID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.raw.SetDeadline(deadlineFrom(ctx))
	if _, err := c.conn.Cmd("BODY %s", formatMessageID(messageID)); err != nil {
		return nil, err
	}

	// 222: body follows
	if _, _, err := c.conn.ReadCodeLine(222); err != nil {
		return nil, mapResponseError(err)
	}

	ds := &drainState{done: make(chan struct{})}

	c.mu.Lock()
	c.inflight = ds
	c.mu.Unlock()

	return &bodyStream{
		owner: c,
		state: ds,
		// DotReader handles the NNTP dot-stuffing and the .\r\n terminator
		r: c.conn.DotReader(),
	}, nil
}

// WaitUntilReady blocks until the outstanding body stream (if any) has
// been fully consumed or closed. A nil return means the session is idle.
func (c *client) WaitUntilReady(ctx context.Context) error {
	c.mu.Lock()
	ds := c.inflight
	c.mu.Unlock()

	if ds == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ds.done:
		return ds.err
	}
}

func (c *client) Close() error {
	// Send QUIT so the server can release the connection slot immediately.
	// Best effort: the socket may already be dead.
	c.raw.SetDeadline(time.Now().Add(2 * time.Second))
	c.conn.Cmd("QUIT")
	return c.conn.Close()
}

func deadlineFrom(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(commandTimeout)
}

// drainState tracks one in-flight body stream. done is closed when the
// stream has been drained; err records a mid-stream fault, which tells
// WaitUntilReady the session is poisoned.
type drainState struct {
	done chan struct{}
	err  error
	once sync.Once
}

func (ds *drainState) finish(err error) {
	ds.once.Do(func() {
		ds.err = err
		close(ds.done)
	})
}

// bodyStream wraps the dot-reader for one BODY response. Reading to EOF or
// closing it flips the owning session back to ready.
type bodyStream struct {
	owner *client
	state *drainState
	r     io.Reader
	done  bool
}

func (b *bodyStream) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}

	// Rolling deadline: a stalled server must not wedge the session forever
	b.owner.raw.SetReadDeadline(time.Now().Add(commandTimeout))

	n, err := b.r.Read(p)
	if err == io.EOF {
		b.done = true
		b.settle(nil)
	} else if err != nil {
		b.done = true
		b.settle(err)
	}
	return n, err
}

// Close drains the unread remainder so the next command starts clean.
func (b *bodyStream) Close() error {
	if b.done {
		return nil
	}
	b.done = true

	b.owner.raw.SetReadDeadline(time.Now().Add(commandTimeout))
	_, err := io.Copy(io.Discard, b.r)
	b.settle(err)
	return err
}

func (b *bodyStream) settle(err error) {
	b.owner.mu.Lock()
	if b.owner.inflight == b.state {
		b.owner.inflight = nil
	}
	b.owner.mu.Unlock()
	b.state.finish(err)
}
