// Package main runs database migrations and exits.
package main

import (
	"context"
	"flag"
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/database"
	"github.com/cadenza-ai/cadenza/internal/migrate"
	"github.com/cadenza-ai/cadenza/pkg/logger"
)

func main() {
	statusOnly := flag.Bool("status", false, "Print migration status without applying anything")
	flag.Parse()

	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	app := fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,

		fx.Invoke(func(m *migrate.Migrator, sd fx.Shutdowner, log *slog.Logger) {
			ctx := context.Background()

			var err error
			if *statusOnly {
				err = m.Status(ctx)
			} else {
				err = m.Up(ctx)
			}

			code := 0
			if err != nil {
				log.Error("migration failed", logger.Error(err))
				code = 1
			}
			_ = sd.Shutdown(fx.ExitCode(code))
		}),
	)

	// Run exits with the code passed to Shutdown once the invoke completes.
	app.Run()
}
