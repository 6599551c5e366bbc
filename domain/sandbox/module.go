package sandbox

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/cadenza-ai/cadenza/internal/config"
)

var Module = fx.Module("sandbox",
	fx.Provide(NewProvider),
)

// NewProvider builds the process-wide sandbox provider.
func NewProvider(cfg *config.Config, log *slog.Logger) (Provider, error) {
	return NewDockerProvider(log, cfg.Sandbox.WorkDir)
}
