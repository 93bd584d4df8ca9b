package streamer

import (
	"context"
	"fmt"
	"io"

	"github.com/segmentio/ksuid"

	"github.com/mfloren/nzbstream/internal/nntp"
)

// ArticleSetReader turns an ordered list of segment ids plus a known
// total byte length into one sequential stream. Up to prefetch segment
// fetches run ahead of the read position; bytes always come out in
// segment order no matter which fetches finish first.
type ArticleSetReader struct {
	id     string
	size   int64
	ctx    context.Context
	cancel context.CancelFunc

	pending chan *segmentFetch
	current io.ReadCloser
	closed  bool
}

// segmentFetch is one slot in the prefetch window.
type segmentFetch struct {
	id   string
	done chan struct{}
	rc   io.ReadCloser
	err  error
}

func (f *segmentFetch) run(ctx context.Context, client nntp.Client) {
	f.rc, f.err = client.GetSegmentStream(ctx, f.id)
	close(f.done)
}

// OpenArticleSet starts streaming the given segments. size is the known
// decoded-transfer length the caller got from GetFileSize or the NZB
// metadata; prefetch is clamped to [1, len(segments)].
func (s *Streamer) OpenArticleSet(ctx context.Context, segments []string, size int64, prefetch int) *ArticleSetReader {
	if prefetch < 1 {
		prefetch = 1
	}
	if prefetch > len(segments) && len(segments) > 0 {
		prefetch = len(segments)
	}

	ctx, cancel := context.WithCancel(ctx)

	r := &ArticleSetReader{
		id:     ksuid.New().String(),
		size:   size,
		ctx:    ctx,
		cancel: cancel,
		// prefetch-1 buffered slots plus the dispatcher's blocked send
		// keep exactly prefetch fetches in flight ahead of the reader.
		pending: make(chan *segmentFetch, prefetch-1),
	}

	go r.dispatch(segments, s.client)

	return r
}

// dispatch feeds the window: segment k is started as soon as segment
// k-prefetch has been taken by the consumer.
func (r *ArticleSetReader) dispatch(segments []string, client nntp.Client) {
	defer close(r.pending)

	for _, id := range segments {
		f := &segmentFetch{id: id, done: make(chan struct{})}
		go f.run(r.ctx, client)

		select {
		case r.pending <- f:
		case <-r.ctx.Done():
			go reap(f)
			return
		}
	}
}

// Size returns the total byte length of the set.
func (r *ArticleSetReader) Size() int64 { return r.size }

func (r *ArticleSetReader) Read(p []byte) (int, error) {
	for {
		if r.closed {
			return 0, io.ErrClosedPipe
		}
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}

		if r.current == nil {
			f, ok := <-r.pending
			if !ok {
				return 0, io.EOF
			}

			select {
			case <-f.done:
			case <-r.ctx.Done():
				go reap(f)
				return 0, r.ctx.Err()
			}

			if f.err != nil {
				return 0, fmt.Errorf("segment %s: %w", f.id, f.err)
			}
			r.current = f.rc
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			// Segment exhausted: advance to the next one.
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close cancels every outstanding fetch and releases their streams.
func (r *ArticleSetReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	if r.current != nil {
		r.current.Close()
		r.current = nil
	}

	// Drain the window so no fetched stream leaks its connection.
	go func() {
		for f := range r.pending {
			reap(f)
		}
	}()

	return nil
}

// reap waits out an abandoned fetch and closes its stream if it got one.
func reap(f *segmentFetch) {
	<-f.done
	if f.rc != nil {
		f.rc.Close()
	}
}
