package streamer

import (
	"context"
	"io"
	"net/textproto"
	"sync"
	"time"

	"github.com/mfloren/nzbstream/internal/domain"
	"github.com/mfloren/nzbstream/internal/events"
	"github.com/mfloren/nzbstream/internal/infra/config"
	"github.com/mfloren/nzbstream/internal/infra/logger"
	"github.com/mfloren/nzbstream/internal/nntp"
)

// watchedKeys are the config keys that require a pool rebuild. Changes to
// anything else are someone else's problem.
var watchedKeys = []string{
	"usenet.host",
	"usenet.port",
	"usenet.use-ssl",
	"usenet.user",
	"usenet.pass",
	"usenet.connections",
	"usenet.providers",
}

// Streamer owns the connection pool and exposes article reads to the
// layers above. It rebuilds and swaps the pool when provider config
// changes, without dropping in-flight requests.
type Streamer struct {
	log  *logger.Logger
	bus  *events.Bus
	dial nntp.DialFunc

	multi  *nntp.MultiClient
	client nntp.Client

	mu sync.Mutex // serializes pool swaps
}

// New builds the full client stack for the given provider snapshot:
// allocator -> pool -> multi-connection client -> metadata cache.
func New(providers []domain.ProviderRecord, bus *events.Bus, log *logger.Logger) (*Streamer, error) {
	return NewWithDial(providers, bus, log, nntp.Dial)
}

// NewWithDial lets tests substitute the connection factory.
func NewWithDial(providers []domain.ProviderRecord, bus *events.Bus, log *logger.Logger, dial nntp.DialFunc) (*Streamer, error) {
	s := &Streamer{log: log, bus: bus, dial: dial}

	s.multi = nntp.NewMultiClient(s.buildPool(providers), log)

	cached, err := nntp.NewCachingClient(s.multi, nntp.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	s.client = cached

	return s, nil
}

func (s *Streamer) buildPool(providers []domain.ProviderRecord) *nntp.Pool {
	alloc := nntp.NewAllocator(providers, s.dial)
	return nntp.NewPool(alloc, func(ev nntp.PoolEvent) {
		s.bus.Publish(events.TopicConnections, ev.String())
	})
}

// Watch consumes config change notifications until ctx is done, swapping
// the pool whenever a usenet key changed.
func (s *Streamer) Watch(ctx context.Context, changes <-chan config.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if !change.AnyKey(watchedKeys...) {
				continue
			}
			s.log.Info("usenet config changed, rebuilding connection pool (%d providers)", len(change.Providers))
			s.ApplyProviders(change.Providers)
		}
	}
}

// ApplyProviders swaps in a pool built from the new snapshot. The old
// pool stops accepting acquires and drains as its leases return.
func (s *Streamer) ApplyProviders(providers []domain.ProviderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multi.UpdatePool(s.buildPool(providers))
}

// Close tears down the current pool.
func (s *Streamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multi.Pool().Close()
}

// ConnectionStats reports current pool utilization.
func (s *Streamer) ConnectionStats() nntp.PoolEvent {
	return s.multi.Pool().Snapshot()
}

func (s *Streamer) Stat(ctx context.Context, messageID string) error {
	return s.client.Stat(ctx, messageID)
}

func (s *Streamer) Date(ctx context.Context) (time.Time, error) {
	return s.client.Date(ctx)
}

func (s *Streamer) GetSegmentHeader(ctx context.Context, messageID string) (textproto.MIMEHeader, error) {
	return s.client.GetSegmentHeader(ctx, messageID)
}

func (s *Streamer) GetSegmentStream(ctx context.Context, messageID string) (io.ReadCloser, error) {
	return s.client.GetSegmentStream(ctx, messageID)
}

func (s *Streamer) GetFileSize(ctx context.Context, fileID, firstSegmentID string) (int64, error) {
	return s.client.GetFileSize(ctx, fileID, firstSegmentID)
}

// WaitUntilReady round-trips a lease through the pool, proving a
// connection can be acquired end to end.
func (s *Streamer) WaitUntilReady(ctx context.Context) error {
	return s.client.WaitUntilReady(ctx)
}

// TestProvider dials and authenticates one candidate record outside any
// pool. The settings UI calls this before saving.
func (s *Streamer) TestProvider(ctx context.Context, p domain.ProviderRecord) error {
	conn, err := s.dial(ctx, p.Normalize())
	if err != nil {
		return err
	}
	return conn.Close()
}
