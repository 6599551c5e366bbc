package workspace

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/cadenza-ai/cadenza/internal/config"
)

var Module = fx.Module("workspace",
	fx.Provide(
		NewStoreFromDB,
		NewManager,
		NewHandler,
	),
	fx.Invoke(
		RegisterRoutes,
		StartEviction,
	),
)

// NewStoreFromDB adapts the fx-provided *bun.DB to the manager's Storage.
func NewStoreFromDB(db *bun.DB) Storage {
	return NewStore(db)
}

// StartEviction runs the idle-eviction worker for the application lifetime.
func StartEviction(lc fx.Lifecycle, manager *Manager, cfg *config.Config, log *slog.Logger) {
	worker := NewEvictionWorker(manager, cfg.Workspace.CleanupInterval, cfg.Workspace.IdleTimeout, log)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			worker.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Sessions are not stopped on shutdown: running workspaces stay
			// up and get re-adopted or evicted after restart.
			worker.Stop()
			manager.Shutdown()
			return nil
		},
	})
}
