package nntp

import (
	"context"
	"errors"
	"io"
	"net/textproto"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mfloren/nzbstream/internal/domain"
)

// DefaultCacheSize bounds the metadata cache; entries cost one unit each.
const DefaultCacheSize = 8192

// CachingClient memoizes the small idempotent metadata lookups. Safe
// because articles are content-addressed by message-id: a stat or header
// for a given id never changes, and neither does "it isn't there" (the
// missing result is cached too). Streams are single-use and bypass the
// cache entirely. Errors are never cached.
type CachingClient struct {
	inner Client
	cache *lru.Cache[string, any]
	group singleflight.Group
}

func NewCachingClient(inner Client, size int) (*CachingClient, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, any](size)
	if err != nil {
		return nil, err
	}
	return &CachingClient{inner: inner, cache: cache}, nil
}

// statResult lets a cached negative stat round-trip through the cache as
// a value.
type statResult struct {
	missing bool
}

func (c *CachingClient) Stat(ctx context.Context, messageID string) error {
	v, err := c.lookup(ctx, "stat:"+messageID, func() (any, error) {
		err := c.inner.Stat(ctx, messageID)
		if errors.Is(err, domain.ErrArticleMissing) {
			return statResult{missing: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return statResult{}, nil
	})
	if err != nil {
		return err
	}
	if v.(statResult).missing {
		return domain.ErrArticleMissing
	}
	return nil
}

func (c *CachingClient) Date(ctx context.Context) (time.Time, error) {
	v, err := c.lookup(ctx, "date", func() (any, error) {
		return c.inner.Date(ctx)
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func (c *CachingClient) GetSegmentHeader(ctx context.Context, messageID string) (textproto.MIMEHeader, error) {
	v, err := c.lookup(ctx, "head:"+messageID, func() (any, error) {
		return c.inner.GetSegmentHeader(ctx, messageID)
	})
	if err != nil {
		return nil, err
	}
	return v.(textproto.MIMEHeader), nil
}

func (c *CachingClient) GetFileSize(ctx context.Context, fileID string, firstSegmentID string) (int64, error) {
	v, err := c.lookup(ctx, "size:"+fileID, func() (any, error) {
		return c.inner.GetFileSize(ctx, fileID, firstSegmentID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetSegmentStream is not cacheable; it passes straight through.
func (c *CachingClient) GetSegmentStream(ctx context.Context, messageID string) (io.ReadCloser, error) {
	return c.inner.GetSegmentStream(ctx, messageID)
}

func (c *CachingClient) WaitUntilReady(ctx context.Context) error {
	return c.inner.WaitUntilReady(ctx)
}

// lookup is the read-through path. Concurrent callers for the same key
// share one in-flight build; every waiter observes the same result.
func (c *CachingClient) lookup(ctx context.Context, key string, build func() (any, error)) (any, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A sibling may have filled the entry while we queued.
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}

		v, err := build()
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, v)
		return v, nil
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return v, nil
}
