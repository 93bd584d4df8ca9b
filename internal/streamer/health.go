package streamer

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/mfloren/nzbstream/internal/domain"
)

// CheckHealth stats every segment in parallel, each on its own leased
// connection. The first missing article cancels the remaining checks and
// reports unhealthy. A non-missing failure (network, auth) is an error,
// not a verdict.
func (s *Streamer) CheckHealth(ctx context.Context, segments []string) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)

	for _, id := range segments {
		g.Go(func() error {
			// Deliberately uncached: health means "on the wire, now"
			return s.multi.Stat(gctx, id)
		})
	}

	err := g.Wait()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrArticleMissing) {
		return false, nil
	}
	return false, err
}
