package turn

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-ai/cadenza/internal/testutil"
	"github.com/cadenza-ai/cadenza/pkg/agent"
	"github.com/cadenza-ai/cadenza/pkg/apperror"
)

func newTestEcho(t *testing.T, svc *Service) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(slog.Default())
	RegisterRoutes(e, NewHandler(svc))
	return e
}

func postChat(e *echo.Echo, workspaceID, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/"+workspaceID+"/chat/stream", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestChatStream_RequiresUserHeader(t *testing.T) {
	svc := newTestService(t, newMemSeqStore(), &scriptedRunner{})
	e := newTestEcho(t, svc)

	rec := postChat(e, "ws-1", "", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
}

func TestChatStream_ValidationErrorIsJSON(t *testing.T) {
	svc := newTestService(t, newMemSeqStore(), &scriptedRunner{})
	e := newTestEcho(t, svc)

	rec := postChat(e, "ws-1", "user-1", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
	assert.Contains(t, rec.Body.String(), "bad_request")
}

func TestChatStream_StreamsFrames(t *testing.T) {
	store := newMemSeqStore()
	runner := &scriptedRunner{
		events: []agent.Event{
			agent.MessageChunk{ContentType: "text", Text: "partial "},
			agent.MessageChunk{ContentType: "text", Text: "answer"},
		},
		result: &agent.Result{
			Status:        "completed",
			AgentMessages: []agent.Message{{Role: "assistant", Content: "partial answer"}},
		},
	}
	svc := newTestService(t, store, runner)
	e := newTestEcho(t, svc)

	rec := postChat(e, "ws-1", "user-1", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/event-stream")

	events, err := testutil.ParseSSEString(rec.Body.String())
	require.NoError(t, err)

	chunks := testutil.ByType(events, "message_chunk")
	require.Len(t, chunks, 2)
	var chunk struct {
		ContentType string `json:"content_type"`
		Text        string `json:"text"`
	}
	require.NoError(t, chunks[0].JSON(&chunk))
	assert.Equal(t, "text", chunk.ContentType)
	assert.Equal(t, "partial ", chunk.Text)

	last := testutil.Last(events)
	require.NotNil(t, last)
	var done struct {
		Type       string `json:"type"`
		Status     string `json:"status"`
		ResponseID string `json:"response_id"`
	}
	require.NoError(t, last.JSON(&done))
	assert.Equal(t, "done", done.Type)
	assert.Equal(t, "completed", done.Status)
	assert.NotEmpty(t, done.ResponseID)
}

func TestChatStream_InvalidBody(t *testing.T) {
	svc := newTestService(t, newMemSeqStore(), &scriptedRunner{})
	e := newTestEcho(t, svc)

	rec := postChat(e, "ws-1", "user-1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
