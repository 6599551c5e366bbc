package turn

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/cadenza-ai/cadenza/domain/pricing"
	"github.com/cadenza-ai/cadenza/domain/workspace"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/pkg/agent"
	"github.com/cadenza-ai/cadenza/pkg/llm/vertex"
	"github.com/cadenza-ai/cadenza/pkg/logger"
)

var Module = fx.Module("turn",
	fx.Provide(
		newStore,
		NewLLMClient,
		newRunner,
		pricing.NewTokenTracker,
		agent.NewCheckpointStore,
		newService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

func newStore(db *bun.DB) Store {
	return NewRepository(db)
}

// NewLLMClient builds the Vertex AI client from configuration.
func NewLLMClient(cfg *config.Config, log *slog.Logger) (*vertex.Client, error) {
	client, err := vertex.NewClient(context.Background(), vertex.Config{
		ProjectID: cfg.LLM.GCPProjectID,
		Location:  cfg.LLM.VertexAILocation,
		Model:     cfg.LLM.Model,
		Timeout:   cfg.LLM.CallTimeout,
	}, vertex.WithLogger(log.With(logger.Scope("llm.vertex"))))
	if err != nil {
		return nil, err
	}
	if !client.IsAvailable() {
		log.Warn("vertex client not fully configured, turn requests will fail",
			slog.String("project", cfg.LLM.GCPProjectID),
			slog.String("location", cfg.LLM.VertexAILocation),
		)
	}
	return client, nil
}

func newRunner(client *vertex.Client, tracker *pricing.TokenTracker, cfg *config.Config, log *slog.Logger) agent.Runner {
	return agent.NewLLMRunner(client, tracker, cfg.LLM.ParseRetries, log)
}

func newService(store Store, manager *workspace.Manager, runner agent.Runner, checkpoints *agent.CheckpointStore, cfg *config.Config, log *slog.Logger) *Service {
	return NewService(store, manager, runner, checkpoints, cfg.Skills.Roots(), log)
}
