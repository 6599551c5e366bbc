package workspace

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-ai/cadenza/pkg/apperror"
)

func newTestServer(t *testing.T) (*echo.Echo, *Manager) {
	t.Helper()
	manager, _, _ := newTestManager(t)

	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(slog.Default())
	RegisterRoutes(e, NewHandler(manager))
	return e, manager
}

func doRequest(e *echo.Echo, method, target, userID, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RequiresUserHeader(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/api/v1/workspaces", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "X-User-Id")
}

func TestHandler_CreateGetStopDelete(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doRequest(e, http.MethodPost, "/api/v1/workspaces", "user-1", `{"name":"reports"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"running"`)

	var workspaceID string
	{
		body := rec.Body.String()
		start := strings.Index(body, `"workspace_id":"`) + len(`"workspace_id":"`)
		workspaceID = body[start : start+strings.Index(body[start:], `"`)]
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/workspaces/"+workspaceID, "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Another user cannot see it.
	rec = doRequest(e, http.MethodGet, "/api/v1/workspaces/"+workspaceID, "user-2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(e, http.MethodPost, "/api/v1/workspaces/"+workspaceID+"/stop", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"stopped"`)

	rec = doRequest(e, http.MethodDelete, "/api/v1/workspaces/"+workspaceID, "user-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(e, http.MethodGet, "/api/v1/workspaces/"+workspaceID, "user-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_List(t *testing.T) {
	e, _ := newTestServer(t)

	for _, name := range []string{"alpha", "beta"} {
		rec := doRequest(e, http.MethodPost, "/api/v1/workspaces", "user-1", `{"name":"`+name+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(e, http.MethodGet, "/api/v1/workspaces", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alpha")
	assert.Contains(t, rec.Body.String(), "beta")

	// Other users see nothing.
	rec = doRequest(e, http.MethodGet, "/api/v1/workspaces", "user-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "alpha")
}
