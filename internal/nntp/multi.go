package nntp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mfloren/nzbstream/internal/domain"
	"github.com/mfloren/nzbstream/internal/infra/logger"
)

// readyTimeout caps how long a released connection may keep draining
// before it is written off and replaced.
const readyTimeout = 30 * time.Second

// Client is the surface the rest of the system talks to. MultiClient and
// CachingClient both implement it.
type Client interface {
	Stat(ctx context.Context, messageID string) error
	Date(ctx context.Context) (time.Time, error)
	GetSegmentHeader(ctx context.Context, messageID string) (textproto.MIMEHeader, error)
	GetSegmentStream(ctx context.Context, messageID string) (io.ReadCloser, error)
	GetFileSize(ctx context.Context, fileID string, firstSegmentID string) (int64, error)
	WaitUntilReady(ctx context.Context) error
}

// MultiClient multiplexes operations over a pool of sessions. Each
// operation leases a connection, runs, and repairs the pool in place:
// transient failures mark the lease for replacement and retry once on a
// fresh connection; terminal failures propagate untouched.
type MultiClient struct {
	pool         atomic.Pointer[Pool]
	log          *logger.Logger
	readyTimeout time.Duration
}

func NewMultiClient(pool *Pool, log *logger.Logger) *MultiClient {
	c := &MultiClient{log: log, readyTimeout: readyTimeout}
	c.pool.Store(pool)
	return c
}

// UpdatePool atomically swaps in a new pool and closes the old one. The
// old pool drains gracefully: leases still out against it complete their
// operations and are disposed as they return.
func (c *MultiClient) UpdatePool(pool *Pool) {
	old := c.pool.Swap(pool)
	if old != nil && old != pool {
		old.Close()
	}
}

// Pool returns the current pool, for observability endpoints.
func (c *MultiClient) Pool() *Pool {
	return c.pool.Load()
}

func (c *MultiClient) Stat(ctx context.Context, messageID string) error {
	return c.do(ctx, func(conn Conn) error {
		return conn.Stat(ctx, messageID)
	})
}

func (c *MultiClient) Date(ctx context.Context) (time.Time, error) {
	var result time.Time
	err := c.do(ctx, func(conn Conn) error {
		t, err := conn.Date(ctx)
		result = t
		return err
	})
	return result, err
}

func (c *MultiClient) GetSegmentHeader(ctx context.Context, messageID string) (textproto.MIMEHeader, error) {
	var result textproto.MIMEHeader
	err := c.do(ctx, func(conn Conn) error {
		hdr, err := conn.Head(ctx, messageID)
		result = hdr
		return err
	})
	return result, err
}

func (c *MultiClient) GetSegmentStream(ctx context.Context, messageID string) (io.ReadCloser, error) {
	var result io.ReadCloser
	err := c.do(ctx, func(conn Conn) error {
		rc, err := conn.Body(ctx, messageID)
		result = rc
		return err
	})
	return result, err
}

// GetFileSize reads the first segment's yEnc begin line and reports the
// size= attribute: the total byte length of the encoded file. The body
// payload itself is never decoded here.
func (c *MultiClient) GetFileSize(ctx context.Context, fileID string, firstSegmentID string) (int64, error) {
	stream, err := c.GetSegmentStream(ctx, firstSegmentID)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	size, err := scanYencSize(stream)
	if errors.Is(err, errYenc) {
		// A body without a parseable =ybegin line can't be fixed by a
		// different connection.
		return 0, domain.NonRetryable(err)
	}
	if err != nil {
		return 0, err
	}
	return size, nil
}

// WaitUntilReady verifies end-to-end reachability by acquiring and
// releasing a lease. Health checks and the UI use this.
func (c *MultiClient) WaitUntilReady(ctx context.Context) error {
	lease, err := c.pool.Load().Acquire(ctx)
	if err != nil {
		return err
	}
	lease.Release()
	return nil
}

// do runs op on a leased connection with the retry/replace protocol:
//
//   - success: schedule the asynchronous readiness release, return.
//   - cancellation or terminal error: release un-replaced, propagate.
//   - anything else: replace, release, retry once on a fresh lease.
func (c *MultiClient) do(ctx context.Context, op func(Conn) error) error {
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		lease, err := c.pool.Load().Acquire(ctx)
		if err != nil {
			return err
		}

		err = op(lease.Conn())
		if err == nil {
			c.releaseWhenReady(ctx, lease)
			return nil
		}

		if terminal(err) {
			// The connection did its job correctly; only the answer was
			// bad. Recycle it.
			lease.Release()
			return err
		}

		c.log.Debug("connection %s (%s) failed, replacing: %v",
			lease.Conn().ID, lease.Conn().Provider, err)
		lease.Replace()
		lease.Release()
		lastErr = err
	}

	return lastErr
}

// terminal reports whether err cannot be fixed by retrying on a fresh
// connection: cancellation, a missing article, rejected credentials, a
// closed pool, or anything the caller has explicitly marked.
func terminal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrArticleMissing) ||
		errors.Is(err, domain.ErrCannotAuthenticate) ||
		errors.Is(err, domain.ErrPoolClosed) ||
		domain.IsNonRetryable(err)
}

// releaseWhenReady returns the lease once the connection has finished
// draining, without making the caller wait. The wait runs on a context
// linked to the caller's plus the readiness timeout; if it is cut short
// for any reason the connection is replaced rather than recycled, so a
// hung session can never re-enter the idle set.
func (c *MultiClient) releaseWhenReady(ctx context.Context, lease *Lease) {
	waitCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)

	go func() {
		defer cancel()

		err := lease.Conn().WaitUntilReady(waitCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				c.log.Warn("connection %s (%s) faulted while draining: %v",
					lease.Conn().ID, lease.Conn().Provider, err)
			}
			lease.Replace()
		}
		lease.Release()
	}()
}

// errYenc covers malformed or absent yEnc metadata in a segment body.
var errYenc = errors.New("yenc")

// scanYencSize finds the =ybegin line at the top of a segment body and
// parses its size attribute.
func scanYencSize(r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	// The begin line is the first line of a well-formed segment, but be
	// tolerant of leading junk.
	for lines := 0; scanner.Scan() && lines < 32; lines++ {
		line := scanner.Text()
		if !strings.HasPrefix(line, "=ybegin ") {
			continue
		}

		for _, field := range strings.Fields(line) {
			if v, ok := strings.CutPrefix(field, "size="); ok {
				size, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return 0, fmt.Errorf("%w: bad size attribute: %s", errYenc, v)
				}
				return size, nil
			}
		}
		return 0, fmt.Errorf("%w: begin line has no size attribute", errYenc)
	}

	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: no begin line in segment", errYenc)
}
