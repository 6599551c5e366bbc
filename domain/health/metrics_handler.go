package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"

	"github.com/cadenza-ai/cadenza/domain/pricing"
)

// MetricsHandler serves operational counters for workspaces, threads, and
// token spend.
type MetricsHandler struct {
	db      *bun.DB
	tracker *pricing.TokenTracker
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(db *bun.DB, tracker *pricing.TokenTracker) *MetricsHandler {
	return &MetricsHandler{
		db:      db,
		tracker: tracker,
	}
}

// WorkspaceMetrics counts workspaces by lifecycle state.
type WorkspaceMetrics struct {
	Creating int64 `json:"creating"`
	Running  int64 `json:"running"`
	Stopping int64 `json:"stopping"`
	Stopped  int64 `json:"stopped"`
	Errored  int64 `json:"error"`
	Deleted  int64 `json:"deleted"`
	Total    int64 `json:"total"`
}

// ThreadMetrics counts conversation threads by outcome.
type ThreadMetrics struct {
	InProgress  int64 `json:"in_progress"`
	Completed   int64 `json:"completed"`
	Interrupted int64 `json:"interrupted"`
	Errored     int64 `json:"error"`
	Total       int64 `json:"total"`
	LastHour    int64 `json:"last_hour"`
	Last24Hours int64 `json:"last_24_hours"`
}

// ServiceMetrics is the full metrics payload.
type ServiceMetrics struct {
	Workspaces WorkspaceMetrics         `json:"workspaces"`
	Threads    ThreadMetrics            `json:"threads"`
	TokenUsage map[string]pricing.Usage `json:"token_usage"`
	Timestamp  string                   `json:"timestamp"`
}

// Metrics returns workspace, thread, and token usage counters.
func (h *MetricsHandler) Metrics(c echo.Context) error {
	ctx := c.Request().Context()

	workspaces, err := h.workspaceMetrics(ctx)
	if err != nil {
		return err
	}

	threads, err := h.threadMetrics(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ServiceMetrics{
		Workspaces: *workspaces,
		Threads:    *threads,
		TokenUsage: h.tracker.Aggregate(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *MetricsHandler) workspaceMetrics(ctx context.Context) (*WorkspaceMetrics, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'creating') as creating,
			COUNT(*) FILTER (WHERE status = 'running') as running,
			COUNT(*) FILTER (WHERE status = 'stopping') as stopping,
			COUNT(*) FILTER (WHERE status = 'stopped') as stopped,
			COUNT(*) FILTER (WHERE status = 'error') as errored,
			COUNT(*) FILTER (WHERE status = 'deleted') as deleted,
			COUNT(*) as total
		FROM workspace`

	var m struct {
		Creating int64 `bun:"creating"`
		Running  int64 `bun:"running"`
		Stopping int64 `bun:"stopping"`
		Stopped  int64 `bun:"stopped"`
		Errored  int64 `bun:"errored"`
		Deleted  int64 `bun:"deleted"`
		Total    int64 `bun:"total"`
	}
	if err := h.db.NewRaw(query).Scan(ctx, &m); err != nil {
		return nil, err
	}

	return &WorkspaceMetrics{
		Creating: m.Creating,
		Running:  m.Running,
		Stopping: m.Stopping,
		Stopped:  m.Stopped,
		Errored:  m.Errored,
		Deleted:  m.Deleted,
		Total:    m.Total,
	}, nil
}

func (h *MetricsHandler) threadMetrics(ctx context.Context) (*ThreadMetrics, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE current_status = 'in_progress') as in_progress,
			COUNT(*) FILTER (WHERE current_status = 'completed') as completed,
			COUNT(*) FILTER (WHERE current_status = 'interrupted') as interrupted,
			COUNT(*) FILTER (WHERE current_status IN ('error', 'timeout')) as errored,
			COUNT(*) as total,
			COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '1 hour') as last_hour,
			COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '24 hours') as last_24_hours
		FROM conversation_thread`

	var m struct {
		InProgress  int64 `bun:"in_progress"`
		Completed   int64 `bun:"completed"`
		Interrupted int64 `bun:"interrupted"`
		Errored     int64 `bun:"errored"`
		Total       int64 `bun:"total"`
		LastHour    int64 `bun:"last_hour"`
		Last24Hours int64 `bun:"last_24_hours"`
	}
	if err := h.db.NewRaw(query).Scan(ctx, &m); err != nil {
		return nil, err
	}

	return &ThreadMetrics{
		InProgress:  m.InProgress,
		Completed:   m.Completed,
		Interrupted: m.Interrupted,
		Errored:     m.Errored,
		Total:       m.Total,
		LastHour:    m.LastHour,
		Last24Hours: m.Last24Hours,
	}, nil
}
