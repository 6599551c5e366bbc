package turn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/cadenza-ai/cadenza/pkg/agent"
)

// Store hands out per-turn write sequences.
type Store interface {
	// Sequence acquires one connection for a full turn's write sequence.
	// The caller must Close it.
	Sequence(ctx context.Context) (Sequence, error)
}

// Sequence is the ordered persistence surface of one turn. All calls run on
// the same database connection, so within a thread the query for pair n is
// visible before its response.
type Sequence interface {
	EnsureThread(ctx context.Context, workspaceID, threadID string) (*Thread, error)
	NextPairIndex(ctx context.Context, threadID string) (int, error)
	UpsertQuery(ctx context.Context, q *Query) error
	UpsertResponse(ctx context.Context, r *Response) error
	UpdateThreadStatus(ctx context.Context, threadID string, status Status) error
	LatestResponse(ctx context.Context, threadID string) (*Response, error)
	ThreadMessages(ctx context.Context, threadID string) ([]agent.Message, error)
	Close() error
}

// Repository implements Store over bun.
type Repository struct {
	db *bun.DB
}

// NewRepository creates the turn repository.
func NewRepository(db *bun.DB) *Repository {
	return &Repository{db: db}
}

// Sequence acquires a dedicated connection from the shared pool.
func (r *Repository) Sequence(ctx context.Context) (Sequence, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire turn connection: %w", err)
	}
	return &sequence{conn: conn}, nil
}

type sequence struct {
	conn bun.Conn
}

func (s *sequence) Close() error {
	return s.conn.Close()
}

// EnsureThread returns the thread row, creating it with a dense
// thread_index when missing. Concurrent creators race on the unique
// (workspace_id, thread_index) constraint; losers re-read.
func (s *sequence) EnsureThread(ctx context.Context, workspaceID, threadID string) (*Thread, error) {
	thread := new(Thread)
	err := s.conn.NewSelect().Model(thread).
		Where("t.thread_id = ?", threadID).
		Scan(ctx)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select thread: %w", err)
	}

	count, err := s.conn.NewSelect().Model((*Thread)(nil)).
		Where("t.workspace_id = ?", workspaceID).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count threads: %w", err)
	}

	thread = &Thread{
		ThreadID:      threadID,
		WorkspaceID:   workspaceID,
		ThreadIndex:   count,
		CurrentStatus: StatusInProgress,
	}
	_, err = s.conn.NewInsert().Model(thread).
		On("CONFLICT (thread_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	// Re-read: a concurrent creator may have won.
	if err := s.conn.NewSelect().Model(thread).
		Where("t.thread_id = ?", threadID).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("reread thread: %w", err)
	}
	return thread, nil
}

// NextPairIndex returns the dense pair index for the next query in a thread.
func (s *sequence) NextPairIndex(ctx context.Context, threadID string) (int, error) {
	count, err := s.conn.NewSelect().Model((*Query)(nil)).
		Where("q.thread_id = ?", threadID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count queries: %w", err)
	}
	return count, nil
}

// UpsertQuery writes the query row, idempotent on (thread_id, pair_index).
func (s *sequence) UpsertQuery(ctx context.Context, q *Query) error {
	_, err := s.conn.NewInsert().Model(q).
		On("CONFLICT (thread_id, pair_index) DO UPDATE").
		Set("query_id = EXCLUDED.query_id").
		Set("content = EXCLUDED.content").
		Set("type = EXCLUDED.type").
		Set("metadata = EXCLUDED.metadata").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert query: %w", err)
	}
	return nil
}

// UpsertResponse writes the response row, idempotent on
// (thread_id, pair_index): a second call with a new payload replaces the
// first, never duplicates it.
func (s *sequence) UpsertResponse(ctx context.Context, r *Response) error {
	_, err := s.conn.NewInsert().Model(r).
		On("CONFLICT (thread_id, pair_index) DO UPDATE").
		Set("response_id = EXCLUDED.response_id").
		Set("status = EXCLUDED.status").
		Set("interrupt_reason = EXCLUDED.interrupt_reason").
		Set("agent_messages = EXCLUDED.agent_messages").
		Set("metadata = EXCLUDED.metadata").
		Set("state_snapshot = EXCLUDED.state_snapshot").
		Set("warnings = EXCLUDED.warnings").
		Set("errors = EXCLUDED.errors").
		Set("execution_time = EXCLUDED.execution_time").
		Set("streaming_chunks = EXCLUDED.streaming_chunks").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert response: %w", err)
	}
	return nil
}

// UpdateThreadStatus sets the thread's current status.
func (s *sequence) UpdateThreadStatus(ctx context.Context, threadID string, status Status) error {
	_, err := s.conn.NewUpdate().Model((*Thread)(nil)).
		Set("current_status = ?", status).
		Set("updated_at = now()").
		Where("thread_id = ?", threadID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update thread status: %w", err)
	}
	return nil
}

// LatestResponse returns the highest-pair_index response of a thread, or nil
// when the thread has none.
func (s *sequence) LatestResponse(ctx context.Context, threadID string) (*Response, error) {
	resp := new(Response)
	err := s.conn.NewSelect().Model(resp).
		Where("r.thread_id = ?", threadID).
		Order("pair_index DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select latest response: %w", err)
	}
	return resp, nil
}

// ThreadMessages reconstructs the conversational history of a thread from
// its persisted queries and responses, interleaved by pair index. This is
// the last rung of the resume fallback chain.
func (s *sequence) ThreadMessages(ctx context.Context, threadID string) ([]agent.Message, error) {
	var queries []*Query
	err := s.conn.NewSelect().Model(&queries).
		Where("q.thread_id = ?", threadID).
		Order("pair_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select queries: %w", err)
	}

	var responses []*Response
	err = s.conn.NewSelect().Model(&responses).
		Where("r.thread_id = ?", threadID).
		Order("pair_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select responses: %w", err)
	}

	byPair := make(map[int]*Response, len(responses))
	for _, resp := range responses {
		byPair[resp.PairIndex] = resp
	}

	var messages []agent.Message
	for _, q := range queries {
		messages = append(messages, agent.Message{Role: "user", Content: q.Content})
		if resp, ok := byPair[q.PairIndex]; ok {
			messages = append(messages, resp.AgentMessages...)
		}
	}
	return messages, nil
}
