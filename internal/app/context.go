package app

import (
	"context"
	"time"

	"github.com/mfloren/nzbstream/internal/domain"
	"github.com/mfloren/nzbstream/internal/events"
	"github.com/mfloren/nzbstream/internal/infra/config"
	"github.com/mfloren/nzbstream/internal/infra/logger"
	"github.com/mfloren/nzbstream/internal/nntp"
)

// Streamer is the slice of the streaming client the HTTP layer needs.
// Declared here so controllers don't import the streamer package.
type Streamer interface {
	ConnectionStats() nntp.PoolEvent
	WaitUntilReady(ctx context.Context) error
	Date(ctx context.Context) (time.Time, error)
	CheckHealth(ctx context.Context, segments []string) (bool, error)
	TestProvider(ctx context.Context, p domain.ProviderRecord) error
}

// Settings is the slice of the settings store the HTTP layer needs.
type Settings interface {
	LoadProviders(ctx context.Context) ([]domain.ProviderRecord, error)
	ReplaceProviders(ctx context.Context, providers []domain.ProviderRecord) error
}

// Context holds the core environment and shared resources.
// It acts as the single source of truth for the application state.
type Context struct {
	Config   *config.Manager
	Logger   *logger.Logger
	Bus      *events.Bus
	Streamer Streamer
	Settings Settings
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Manager, log *logger.Logger, bus *events.Bus) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
		Bus:    bus,
	}
}
