package stubgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-ai/cadenza/domain/mcp"
)

func searchTool() mcp.ToolInfo {
	return mcp.ToolInfo{
		Name:        "web-search",
		Description: "Search the web.",
		ServerName:  "brave.search",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":  map[string]any{"type": "string", "description": "search text"},
				"count":  map[string]any{"type": "integer", "default": float64(10)},
				"safe":   map[string]any{"type": "boolean"},
				"fields": map[string]any{"type": "array"},
			},
			"required": []any{"query"},
		},
	}
}

func generateFixture(t *testing.T) map[string]string {
	t.Helper()
	configs := []mcp.ServerConfig{{
		Name:      "brave.search",
		Enabled:   true,
		Transport: mcp.TransportStdio,
		Command:   "npx",
		Args:      []string{"-y", "@example/brave-search"},
		Env:       map[string]string{"BRAVE_API_KEY": "${BRAVE_API_KEY}"},
	}}
	tools := map[string][]mcp.ToolInfo{"brave.search": {searchTool()}}

	assets, err := Generate(configs, tools)
	require.NoError(t, err)

	byPath := make(map[string]string, len(assets))
	for _, a := range assets {
		byPath[a.Path] = string(a.Content)
	}
	return byPath
}

func TestGenerate_ServerModule(t *testing.T) {
	assets := generateFixture(t)

	module, ok := assets["brave_search.py"]
	require.True(t, ok, "server module named after sanitized server name")

	// Function name sanitized, required params before optional ones.
	assert.Contains(t, module, "def web_search(query: str, count: int = 10, fields: Optional[List] = None, safe: Optional[bool] = None) -> Any:")

	// Body drops None arguments and delegates to the shared client.
	assert.Contains(t, module, `if query is not None:`)
	assert.Contains(t, module, `args["query"] = query`)
	assert.Contains(t, module, `return _call_mcp_tool("brave.search", "web-search", args)`)
	assert.Contains(t, module, "from mcp_client import _call_mcp_tool")
}

func TestGenerate_SecretsNotInlined(t *testing.T) {
	t.Setenv("BRAVE_API_KEY", "super-secret-value")

	assets := generateFixture(t)

	client, ok := assets["mcp_client.py"]
	require.True(t, ok)

	// Placeholders survive verbatim; the resolved value never appears.
	assert.Contains(t, client, "${BRAVE_API_KEY}")
	for path, content := range assets {
		assert.NotContains(t, content, "super-secret-value", "resolved secret leaked into %s", path)
	}
}

func TestGenerate_ClientModule(t *testing.T) {
	assets := generateFixture(t)
	client := assets["mcp_client.py"]

	assert.Contains(t, client, `"2024-11-05"`)
	assert.Contains(t, client, "notifications/initialized")
	assert.Contains(t, client, "tools/call")
	assert.Contains(t, client, "_server_lock")
	assert.Contains(t, client, `"command": "npx"`)
}

func TestGenerate_ToolDocs(t *testing.T) {
	assets := generateFixture(t)

	doc, ok := assets["docs/brave_search_web_search.md"]
	require.True(t, ok)

	assert.True(t, strings.HasPrefix(doc, "# web-search\n"))
	assert.Contains(t, doc, "Search the web.")
	assert.Contains(t, doc, "| query | str | yes | search text |")
	assert.Contains(t, doc, "from brave_search import web_search")
}

func TestGenerate_Deterministic(t *testing.T) {
	first := generateFixture(t)
	second := generateFixture(t)
	assert.Equal(t, first, second)
}

func TestPyType(t *testing.T) {
	tests := map[string]string{
		"string":  "str",
		"number":  "float",
		"integer": "int",
		"boolean": "bool",
		"array":   "List",
		"object":  "Dict",
		"null":    "None",
		"weird":   "Any",
		"":        "Any",
	}
	for in, want := range tests {
		assert.Equal(t, want, pyType(in), in)
	}
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "web_search", sanitizeName("web-search"))
	assert.Equal(t, "brave_search", sanitizeName("brave.search"))
	assert.Equal(t, "plain", sanitizeName("plain"))
}
