// Package main provides the entry point for the Cadenza API server.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/cadenza-ai/cadenza/domain/health"
	"github.com/cadenza-ai/cadenza/domain/sandbox"
	"github.com/cadenza-ai/cadenza/domain/turn"
	"github.com/cadenza-ai/cadenza/domain/workspace"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/database"
	"github.com/cadenza-ai/cadenza/internal/server"
	"github.com/cadenza-ai/cadenza/pkg/logger"
)

func main() {
	// Load .env files if present (for local development). Load() won't
	// overwrite existing vars, Overload() will.
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		server.Module,

		// Domain modules
		health.Module,
		sandbox.Module,
		workspace.Module,
		turn.Module,
	).Run()
}
