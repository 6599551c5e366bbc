package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/domain/skills"
	"github.com/cadenza-ai/cadenza/domain/workspace"
	"github.com/cadenza-ai/cadenza/pkg/agent"
	"github.com/cadenza-ai/cadenza/pkg/apperror"
	"github.com/cadenza-ai/cadenza/pkg/logger"
	"github.com/cadenza-ai/cadenza/pkg/sse"
)

// Context item discriminators.
const (
	ContextLastThread = "last_thread"
	ContextSkills     = "skills"
)

// ContextItem is a structured context entry on a turn request.
type ContextItem struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// ChatMessage is one incoming message. Content may be a plain string or a
// structured payload; it goes through Normalize before use.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Request is a parsed turn request.
type Request struct {
	WorkspaceID       string         `json:"-"`
	UserID            string         `json:"-"`
	ThreadID          string         `json:"thread_id,omitempty"`
	Messages          []ChatMessage  `json:"messages"`
	AdditionalContext []ContextItem  `json:"additional_context,omitempty"`
	Flags             map[string]any `json:"flags,omitempty"`
}

// SessionProvider acquires the live session for a workspace, enforcing
// ownership and lifecycle state. *workspace.Manager implements it.
type SessionProvider interface {
	GetSessionForWorkspace(ctx context.Context, workspaceID, userID string) (*workspace.Session, error)
}

// Sink receives SSE-shaped frames in emission order.
type Sink func(event any) error

// Service runs the turn pipeline.
type Service struct {
	store       Store
	sessions    SessionProvider
	runner      agent.Runner
	checkpoints *agent.CheckpointStore
	skillRoots  []string
	log         *slog.Logger
}

// NewService creates the turn service.
func NewService(store Store, sessions SessionProvider, runner agent.Runner, checkpoints *agent.CheckpointStore, skillRoots []string, log *slog.Logger) *Service {
	return &Service{
		store:       store,
		sessions:    sessions,
		runner:      runner,
		checkpoints: checkpoints,
		skillRoots:  skillRoots,
		log:         log.With(logger.Scope("turn")),
	}
}

// Stream executes one turn and writes SSE frames to the sink. Errors before
// the stream starts are returned for the handler to render as HTTP errors;
// once the agent runs, the outcome is persisted and reported via the
// terminal done frame.
func (s *Service) Stream(ctx context.Context, req *Request, sink Sink) error {
	if len(req.Messages) == 0 {
		return apperror.ErrBadRequest.WithMessage("messages must not be empty")
	}
	queryText, ok := lastUserText(req.Messages)
	if !ok {
		return apperror.ErrBadRequest.WithMessage("messages must contain user content")
	}

	queryID := uuid.NewString()
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	session, err := s.sessions.GetSessionForWorkspace(ctx, req.WorkspaceID, req.UserID)
	if err != nil {
		return err
	}

	seq, err := s.store.Sequence(ctx)
	if err != nil {
		return apperror.ErrInternal.WithInternal(err)
	}
	defer seq.Close()

	thread, err := seq.EnsureThread(ctx, req.WorkspaceID, threadID)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	pairIndex, err := seq.NextPairIndex(ctx, threadID)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	if err := seq.UpsertQuery(ctx, &Query{
		ThreadID:  threadID,
		PairIndex: pairIndex,
		QueryID:   queryID,
		Content:   queryText,
		Type:      "initial",
		Metadata:  req.Flags,
		Timestamp: time.Now(),
	}); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	state, warnings := s.buildState(ctx, seq, req)

	s.log.Info("turn started",
		slog.String("workspace_id", req.WorkspaceID),
		slog.String("thread_id", threadID),
		slog.Int("pair_index", pairIndex),
		slog.String("session", session.WorkspaceID),
	)

	outcome := s.runAgent(ctx, state, sink)
	outcome.warnings = append(warnings, outcome.warnings...)

	return s.finish(ctx, seq, thread, pairIndex, outcome, sink)
}

// turnOutcome collects everything the final persistence step needs.
type turnOutcome struct {
	status        Status
	reason        string
	agentMessages []agent.Message
	finalState    *agent.State
	chunks        []any
	warnings      []string
	errs          []string
	started       time.Time
}

// runAgent invokes the agent graph, buffering every emitted frame for
// durability while forwarding it to the client.
func (s *Service) runAgent(ctx context.Context, state *agent.State, sink Sink) *turnOutcome {
	outcome := &turnOutcome{status: StatusCompleted, started: time.Now()}

	emit := func(e agent.Event) {
		frame := frameFor(e)
		if frame == nil {
			return
		}
		outcome.chunks = append(outcome.chunks, frame)
		if err := sink(frame); err != nil {
			// Client gone; the agent keeps running until ctx cancels.
			s.log.Debug("sink write failed", logger.Error(err))
		}
	}

	result, err := s.runner.Run(ctx, state, emit)
	if result != nil {
		outcome.agentMessages = result.AgentMessages
		outcome.finalState = result.FinalState
	}

	switch {
	case err == nil:
		if result != nil && result.Status == "error" {
			outcome.status = StatusError
		}
	case errors.Is(err, context.Canceled):
		outcome.status = StatusInterrupted
		outcome.reason = "client disconnected"
	case errors.Is(err, context.DeadlineExceeded):
		outcome.status = StatusTimeout
		outcome.reason = "turn deadline exceeded"
		outcome.errs = append(outcome.errs, err.Error())
	default:
		outcome.status = StatusError
		outcome.errs = append(outcome.errs, err.Error())
	}
	return outcome
}

// finish persists the response and thread status, checkpoints the state, and
// emits the terminal frame. Persistence runs even when the request context
// is already cancelled.
func (s *Service) finish(ctx context.Context, seq Sequence, thread *Thread, pairIndex int, outcome *turnOutcome, sink Sink) error {
	persistCtx := context.WithoutCancel(ctx)

	var reason *string
	if outcome.reason != "" {
		reason = &outcome.reason
	}
	response := &Response{
		ThreadID:        thread.ThreadID,
		PairIndex:       pairIndex,
		ResponseID:      uuid.NewString(),
		Status:          outcome.status,
		InterruptReason: reason,
		AgentMessages:   outcome.agentMessages,
		StateSnapshot:   outcome.finalState,
		Warnings:        outcome.warnings,
		Errors:          outcome.errs,
		ExecutionTime:   time.Since(outcome.started).Seconds(),
		StreamingChunks: outcome.chunks,
		Timestamp:       time.Now(),
	}

	if err := seq.UpsertResponse(persistCtx, response); err != nil {
		s.log.Error("response persistence failed", logger.Error(err))
		_ = sink(sse.NewErrorEvent("persistence_error", "failed to persist turn"))
		return apperror.ErrDatabase.WithInternal(err)
	}
	if err := seq.UpdateThreadStatus(persistCtx, thread.ThreadID, outcome.status); err != nil {
		s.log.Error("thread status update failed", logger.Error(err))
	}

	if outcome.finalState != nil {
		s.checkpoints.Put(thread.ThreadID, outcome.finalState)
	}

	s.log.Info("turn finished",
		slog.String("thread_id", thread.ThreadID),
		slog.Int("pair_index", pairIndex),
		slog.String("status", string(outcome.status)),
		slog.Float64("execution_time", response.ExecutionTime),
	)

	// The client may be gone; the done frame is best-effort.
	_ = sink(sse.NewDoneEvent(string(outcome.status), response.ResponseID))
	return nil
}

// buildState assembles the agent state: request messages, resumed thread
// state, and injected skill content. Skill load failures degrade to
// warnings.
func (s *Service) buildState(ctx context.Context, seq Sequence, req *Request) (*agent.State, []string) {
	reqState := &agent.State{Flags: req.Flags}
	for _, msg := range req.Messages {
		text, _, ok := Normalize(msg.Content)
		if !ok {
			continue
		}
		reqState.Messages = append(reqState.Messages, agent.Message{Role: msg.Role, Content: text})
	}

	var warnings []string
	var skillSections []string

	for _, item := range req.AdditionalContext {
		switch item.Type {
		case ContextLastThread:
			prev := s.resumeState(ctx, seq, item.ID)
			if prev == nil {
				warnings = append(warnings, fmt.Sprintf("no resumable state for thread %s", item.ID))
				continue
			}
			reqState = agent.MergeResumed(prev, reqState)

		case ContextSkills:
			content, err := skills.LoadSkillContent(s.skillRoots, item.Name)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("skill %q not found", item.Name))
				continue
			}
			section := content
			if item.Instruction != "" {
				section += "\n\n" + item.Instruction
			}
			skillSections = append(skillSections, section)
		}
	}

	if len(skillSections) > 0 {
		skillMsg := agent.Message{
			Role:    "user",
			Content: strings.Join(skillSections, "\n\n---\n\n"),
		}
		reqState.Messages = append([]agent.Message{skillMsg}, reqState.Messages...)
	}

	return reqState, warnings
}

// resumeState walks the fallback chain: in-memory checkpoint, DB snapshot,
// then reconstruction from persisted messages.
func (s *Service) resumeState(ctx context.Context, seq Sequence, threadID string) *agent.State {
	if state, ok := s.checkpoints.Get(threadID); ok {
		return state
	}

	resp, err := seq.LatestResponse(ctx, threadID)
	if err != nil {
		s.log.Warn("latest response lookup failed", logger.Error(err))
	} else if resp != nil && resp.StateSnapshot != nil {
		return resp.StateSnapshot
	}

	messages, err := seq.ThreadMessages(ctx, threadID)
	if err != nil {
		s.log.Warn("thread message reconstruction failed", logger.Error(err))
		return nil
	}
	if len(messages) == 0 {
		return nil
	}
	return &agent.State{Messages: messages}
}

// frameFor maps an agent event to its SSE frame. Nil means "do not emit".
func frameFor(e agent.Event) any {
	switch ev := e.(type) {
	case agent.MessageChunk:
		text, kind, ok := Normalize(ev.Text)
		if !ok {
			return nil
		}
		if ev.ContentType == "reasoning" {
			kind = KindReasoning
		}
		return sse.NewMessageChunkEvent(sse.ContentType(kind), text)
	case agent.SummarizationSignal:
		return sse.NewSummarizationSignalEvent(ev.Signal, ev.SummaryLength, ev.Error)
	case agent.TokenUsage:
		return sse.NewTokenUsageEvent(ev.InputTokens, ev.OutputTokens)
	}
	return nil
}

// lastUserText extracts the newest user message's normalized text.
func lastUserText(messages []ChatMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if text, _, ok := Normalize(messages[i].Content); ok {
			return text, true
		}
	}
	return "", false
}
