package turn

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/cadenza-ai/cadenza/domain/workspace"
	"github.com/cadenza-ai/cadenza/migrations"
	"github.com/cadenza-ai/cadenza/pkg/agent"
)

// openTestDB connects to the database named by TEST_DATABASE_URL and brings
// its schema up to date. Tests that need it are skipped when the variable is
// unset.
func openTestDB(t *testing.T) *bun.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	sqldb, err := sql.Open("pgx", dsn)
	require.NoError(t, err)

	goose.SetBaseFS(migrations.FS)
	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(sqldb, "."))

	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// createTestWorkspace inserts a workspace row for thread foreign keys and
// removes everything hanging off it when the test ends.
func createTestWorkspace(t *testing.T, db *bun.DB) string {
	t.Helper()

	id := "ws-" + uuid.NewString()
	ws := &workspace.Workspace{
		WorkspaceID: id,
		UserID:      "user-" + uuid.NewString(),
		Name:        "repository test",
		Status:      workspace.StatusRunning,
	}
	_, err := db.NewInsert().Model(ws).Exec(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		threads := db.NewSelect().Model((*Thread)(nil)).
			Column("thread_id").
			Where("workspace_id = ?", id)
		_, _ = db.NewDelete().Model((*Response)(nil)).
			Where("thread_id IN (?)", threads).Exec(ctx)
		_, _ = db.NewDelete().Model((*Query)(nil)).
			Where("thread_id IN (?)", threads).Exec(ctx)
		_, _ = db.NewDelete().Model((*Thread)(nil)).
			Where("workspace_id = ?", id).Exec(ctx)
		_, _ = db.NewDelete().Model((*workspace.Workspace)(nil)).
			Where("workspace_id = ?", id).Exec(ctx)
	})
	return id
}

func TestRepository_EnsureThreadAssignsDenseIndexes(t *testing.T) {
	db := openTestDB(t)
	wsID := createTestWorkspace(t, db)
	ctx := context.Background()

	seq, err := NewRepository(db).Sequence(ctx)
	require.NoError(t, err)
	defer seq.Close()

	first, err := seq.EnsureThread(ctx, wsID, "thread-"+uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, 0, first.ThreadIndex)
	assert.Equal(t, StatusInProgress, first.CurrentStatus)

	second, err := seq.EnsureThread(ctx, wsID, "thread-"+uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, 1, second.ThreadIndex)

	// A later turn on an existing thread sees the original row, not a new
	// index.
	again, err := seq.EnsureThread(ctx, wsID, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, first.ThreadIndex, again.ThreadIndex)

	count, err := db.NewSelect().Model((*Thread)(nil)).
		Where("workspace_id = ?", wsID).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRepository_EnsureThreadConcurrentCreators(t *testing.T) {
	db := openTestDB(t)
	wsID := createTestWorkspace(t, db)
	ctx := context.Background()
	repo := NewRepository(db)
	threadID := "thread-" + uuid.NewString()

	// Two turns race to create the same thread on separate connections. One
	// insert wins on the thread_id conflict target; the loser re-reads, so
	// both observe the same row.
	results := make([]*Thread, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := repo.Sequence(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			defer seq.Close()
			results[i], errs[i] = seq.EnsureThread(ctx, wsID, threadID)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].ThreadIndex, results[1].ThreadIndex)

	count, err := db.NewSelect().Model((*Thread)(nil)).
		Where("workspace_id = ?", wsID).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRepository_NextPairIndexCountsQueries(t *testing.T) {
	db := openTestDB(t)
	wsID := createTestWorkspace(t, db)
	ctx := context.Background()

	seq, err := NewRepository(db).Sequence(ctx)
	require.NoError(t, err)
	defer seq.Close()

	thread, err := seq.EnsureThread(ctx, wsID, "thread-"+uuid.NewString())
	require.NoError(t, err)

	idx, err := seq.NextPairIndex(ctx, thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	for i := 0; i < 2; i++ {
		require.NoError(t, seq.UpsertQuery(ctx, &Query{
			ThreadID:  thread.ThreadID,
			PairIndex: i,
			QueryID:   uuid.NewString(),
			Content:   "question",
			Type:      "initial",
		}))
	}

	idx, err = seq.NextPairIndex(ctx, thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestRepository_UpsertQueryReplayConverges(t *testing.T) {
	db := openTestDB(t)
	wsID := createTestWorkspace(t, db)
	ctx := context.Background()

	seq, err := NewRepository(db).Sequence(ctx)
	require.NoError(t, err)
	defer seq.Close()

	thread, err := seq.EnsureThread(ctx, wsID, "thread-"+uuid.NewString())
	require.NoError(t, err)

	require.NoError(t, seq.UpsertQuery(ctx, &Query{
		ThreadID:  thread.ThreadID,
		PairIndex: 0,
		QueryID:   "q-first",
		Content:   "first attempt",
		Type:      "initial",
	}))

	// A retried request lands on the same (thread_id, pair_index) with a
	// fresh query_id. The row converges on the replay instead of duplicating.
	require.NoError(t, seq.UpsertQuery(ctx, &Query{
		ThreadID:  thread.ThreadID,
		PairIndex: 0,
		QueryID:   "q-second",
		Content:   "second attempt",
		Type:      "initial",
	}))

	var rows []*Query
	require.NoError(t, db.NewSelect().Model(&rows).
		Where("q.thread_id = ?", thread.ThreadID).Scan(ctx))
	require.Len(t, rows, 1)
	assert.Equal(t, "q-second", rows[0].QueryID)
	assert.Equal(t, "second attempt", rows[0].Content)
}

func TestRepository_UpsertResponseReplayConverges(t *testing.T) {
	db := openTestDB(t)
	wsID := createTestWorkspace(t, db)
	ctx := context.Background()

	seq, err := NewRepository(db).Sequence(ctx)
	require.NoError(t, err)
	defer seq.Close()

	thread, err := seq.EnsureThread(ctx, wsID, "thread-"+uuid.NewString())
	require.NoError(t, err)

	require.NoError(t, seq.UpsertResponse(ctx, &Response{
		ThreadID:   thread.ThreadID,
		PairIndex:  0,
		ResponseID: "r-first",
		Status:     StatusError,
		Errors:     []string{"model unavailable"},
	}))

	require.NoError(t, seq.UpsertResponse(ctx, &Response{
		ThreadID:      thread.ThreadID,
		PairIndex:     0,
		ResponseID:    "r-second",
		Status:        StatusCompleted,
		AgentMessages: []agent.Message{{Role: "assistant", Content: "done"}},
		ExecutionTime: 1.5,
	}))

	var rows []*Response
	require.NoError(t, db.NewSelect().Model(&rows).
		Where("r.thread_id = ?", thread.ThreadID).Scan(ctx))
	require.Len(t, rows, 1)
	assert.Equal(t, "r-second", rows[0].ResponseID)
	assert.Equal(t, StatusCompleted, rows[0].Status)
	assert.Empty(t, rows[0].Errors)
	require.Len(t, rows[0].AgentMessages, 1)
	assert.Equal(t, "done", rows[0].AgentMessages[0].Content)
}

func TestRepository_LatestResponseAndThreadMessages(t *testing.T) {
	db := openTestDB(t)
	wsID := createTestWorkspace(t, db)
	ctx := context.Background()

	seq, err := NewRepository(db).Sequence(ctx)
	require.NoError(t, err)
	defer seq.Close()

	thread, err := seq.EnsureThread(ctx, wsID, "thread-"+uuid.NewString())
	require.NoError(t, err)

	latest, err := seq.LatestResponse(ctx, thread.ThreadID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	questions := []string{"first question", "second question"}
	answers := []string{"first answer", "second answer"}
	for i := 0; i < 2; i++ {
		require.NoError(t, seq.UpsertQuery(ctx, &Query{
			ThreadID:  thread.ThreadID,
			PairIndex: i,
			QueryID:   uuid.NewString(),
			Content:   questions[i],
			Type:      "initial",
		}))
		require.NoError(t, seq.UpsertResponse(ctx, &Response{
			ThreadID:      thread.ThreadID,
			PairIndex:     i,
			ResponseID:    uuid.NewString(),
			Status:        StatusCompleted,
			AgentMessages: []agent.Message{{Role: "assistant", Content: answers[i]}},
		}))
	}

	latest, err = seq.LatestResponse(ctx, thread.ThreadID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.PairIndex)

	messages, err := seq.ThreadMessages(ctx, thread.ThreadID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "first question", messages[0].Content)
	assert.Equal(t, "first answer", messages[1].Content)
	assert.Equal(t, "second question", messages[2].Content)
	assert.Equal(t, "second answer", messages[3].Content)
}
