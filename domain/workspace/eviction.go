package workspace

import (
	"context"
	"log/slog"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/logger"
)

// EvictionWorker periodically stops running workspaces that have been idle
// past the configured timeout. Stopping releases the sandbox; the workspace
// row stays and a later request restarts it.
type EvictionWorker struct {
	manager     *Manager
	interval    time.Duration
	idleTimeout time.Duration
	log         *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEvictionWorker creates the idle-eviction worker.
func NewEvictionWorker(manager *Manager, interval, idleTimeout time.Duration, log *slog.Logger) *EvictionWorker {
	return &EvictionWorker{
		manager:     manager,
		interval:    interval,
		idleTimeout: idleTimeout,
		log:         log.With(logger.Scope("workspace.eviction")),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the background loop.
func (w *EvictionWorker) Start() {
	go w.run()
	w.log.Info("eviction worker started",
		slog.Duration("interval", w.interval),
		slog.Duration("idle_timeout", w.idleTimeout),
	)
}

// Stop signals the loop and waits for it to exit. Running sessions are left
// alone: eviction state lives in the database.
func (w *EvictionWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.log.Info("eviction worker stopped")
}

func (w *EvictionWorker) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick()
		case <-w.stopCh:
			return
		}
	}
}

// tick runs one eviction sweep with its own deadline so a wedged sandbox
// stop cannot stall the loop forever.
func (w *EvictionWorker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()
	w.manager.StopIdle(ctx, w.idleTimeout)
}
