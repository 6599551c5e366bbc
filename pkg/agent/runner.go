package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/domain/pricing"
	"github.com/cadenza-ai/cadenza/pkg/llm/vertex"
	"github.com/cadenza-ai/cadenza/pkg/logger"
)

const (
	// summarizeAfterMessages triggers context summarization once a thread
	// grows past this many messages.
	summarizeAfterMessages = 40

	// summarizeKeepRecent is how many trailing messages survive verbatim.
	summarizeKeepRecent = 8

	// parseRetryInitial is the first backoff delay for structured-output
	// parse retries.
	parseRetryInitial = 500 * time.Millisecond
)

// Result is the outcome of one agent run.
type Result struct {
	Status        string // "completed" or "error"
	AgentMessages []Message
	FinalState    *State
}

// Runner executes one agent turn over a state, emitting events as it goes.
type Runner interface {
	Run(ctx context.Context, state *State, emit func(Event)) (*Result, error)
}

// Generator is the LLM surface the runner needs. *vertex.Client implements it.
type Generator interface {
	GenerateStreaming(ctx context.Context, req vertex.GenerateRequest, onToken func(string)) (*vertex.Usage, error)
	Model() string
}

// LLMRunner is the default Runner: a single LLM exchange with context
// summarization and usage tracking.
type LLMRunner struct {
	generator    Generator
	tracker      *pricing.TokenTracker
	parseRetries int
	log          *slog.Logger
}

// NewLLMRunner creates the default runner.
func NewLLMRunner(generator Generator, tracker *pricing.TokenTracker, parseRetries int, log *slog.Logger) *LLMRunner {
	if parseRetries <= 0 {
		parseRetries = 5
	}
	return &LLMRunner{
		generator:    generator,
		tracker:      tracker,
		parseRetries: parseRetries,
		log:          log.With(logger.Scope("agent.runner")),
	}
}

// Run executes one turn: summarize oversized context, stream the model's
// answer as message chunks, and record token usage.
func (r *LLMRunner) Run(ctx context.Context, state *State, emit func(Event)) (*Result, error) {
	working := state.Clone()

	if len(working.Messages) > summarizeAfterMessages {
		if err := r.summarize(ctx, working, emit); err != nil {
			// Summarization failure degrades to the full context.
			r.log.Warn("context summarization failed", logger.Error(err))
		}
	}

	prompt := renderPrompt(working)
	systemPrompt := renderSystemPrompt(working)

	var answer strings.Builder
	usage, err := r.generator.GenerateStreaming(ctx, vertex.GenerateRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
	}, func(token string) {
		answer.WriteString(token)
		emit(MessageChunk{ContentType: "text", Text: token})
	})

	r.trackUsage(usage, emit)

	if err != nil {
		working.Retries++
		return &Result{Status: "error", FinalState: working}, err
	}

	assistant := Message{Role: "assistant", Content: answer.String()}
	working.Messages = append(working.Messages, assistant)
	working.Iterations++

	return &Result{
		Status:        "completed",
		AgentMessages: []Message{assistant},
		FinalState:    working,
	}, nil
}

// GenerateJSON runs a structured-output call: the model's answer must
// unmarshal into out. Parse failures are retried with a schema hint appended
// to the prompt, with exponential backoff starting at 500ms.
func (r *LLMRunner) GenerateJSON(ctx context.Context, prompt string, out any) error {
	attempt := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = parseRetryInitial
	bo.Multiplier = 2

	operation := func() (struct{}, error) {
		attempt++
		fullPrompt := prompt
		if attempt > 1 {
			fullPrompt += "\n\nRespond with a single valid JSON value and nothing else."
		}

		var raw strings.Builder
		usage, err := r.generator.GenerateStreaming(ctx, vertex.GenerateRequest{Prompt: fullPrompt}, func(token string) {
			raw.WriteString(token)
		})
		r.trackUsage(usage, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		if err := json.Unmarshal([]byte(extractJSON(raw.String())), out); err != nil {
			return struct{}{}, fmt.Errorf("parse structured output: %w", err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(r.parseRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Debug("retrying structured output",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", next),
				logger.Error(err),
			)
		}),
	)
	return err
}

// summarize folds all but the most recent messages into one observation.
// The summary comes back as structured output so a chatty model can't leak
// preamble into the observation.
func (r *LLMRunner) summarize(ctx context.Context, state *State, emit func(Event)) error {
	emit(SummarizationSignal{Signal: "start"})

	older := state.Messages[:len(state.Messages)-summarizeKeepRecent]
	recent := state.Messages[len(state.Messages)-summarizeKeepRecent:]

	var prompt strings.Builder
	prompt.WriteString("Summarize the conversation below, keeping decisions, data references, and open tasks. Respond as JSON: {\"summary\": \"...\"}\n\n")
	for _, msg := range older {
		fmt.Fprintf(&prompt, "%s: %s\n", msg.Role, msg.Content)
	}

	var out struct {
		Summary string `json:"summary"`
	}
	if err := r.GenerateJSON(ctx, prompt.String(), &out); err != nil {
		emit(SummarizationSignal{Signal: "error", Error: err.Error()})
		return err
	}

	state.Observations = append(state.Observations, out.Summary)
	state.Messages = recent
	emit(SummarizationSignal{Signal: "complete", SummaryLength: len(out.Summary)})
	return nil
}

// trackUsage records usage in the tracker and optionally emits a frame.
func (r *LLMRunner) trackUsage(usage *vertex.Usage, emit func(Event)) {
	if usage == nil {
		return
	}
	record := pricing.Usage{
		InputTokens:  int64(usage.PromptTokens),
		OutputTokens: int64(usage.CompletionTokens),
	}
	if r.tracker != nil {
		r.tracker.Track(r.generator.Model(), record, uuid.NewString(), "")
	}
	if emit != nil {
		emit(TokenUsage{
			Model:        r.generator.Model(),
			InputTokens:  record.InputTokens,
			OutputTokens: record.OutputTokens,
		})
	}
}

// renderPrompt flattens state messages into a single prompt.
func renderPrompt(state *State) string {
	var b strings.Builder
	for _, msg := range state.Messages {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	b.WriteString("assistant:")
	return b.String()
}

// renderSystemPrompt folds accumulated observations and resources into the
// system prompt.
func renderSystemPrompt(state *State) string {
	var parts []string
	if len(state.Observations) > 0 {
		parts = append(parts, "Prior observations:\n"+strings.Join(state.Observations, "\n"))
	}
	if len(state.Resources) > 0 {
		parts = append(parts, "Available resources:\n"+strings.Join(state.Resources, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// extractJSON strips markdown fences the model sometimes wraps JSON in.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
