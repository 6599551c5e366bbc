package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/cadenza-ai/cadenza/pkg/logger"
)

// protocolVersion is the MCP revision this client speaks.
const protocolVersion = "2024-11-05"

const (
	clientName    = "cadenza"
	clientVersion = "1.0.0"

	// SSE endpoint events can arrive after the first tools/list, so
	// discovery on SSE is retried with backoff 0.5 * 2^n seconds.
	sseDiscoveryAttempts = 3
	sseDiscoveryInitial  = 500 * time.Millisecond
)

// Connector owns one MCP session for the lifetime of a workspace session.
// Concurrent tool calls on the same server are serialized by callMu.
type Connector struct {
	cfg         ServerConfig
	callTimeout time.Duration
	log         *slog.Logger

	mu         sync.Mutex
	client     *mcpclient.Client
	tools      []ToolInfo
	connectErr error

	callMu sync.Mutex
}

// NewConnector creates a connector for one server. Connect must be called
// before tool calls.
func NewConnector(cfg ServerConfig, callTimeout time.Duration, log *slog.Logger) *Connector {
	return &Connector{
		cfg:         cfg,
		callTimeout: callTimeout,
		log:         log.With(logger.Scope("mcp.connector"), slog.String("server", cfg.Name)),
	}
}

// Name returns the configured server name.
func (c *Connector) Name() string { return c.cfg.Name }

// Connect opens the transport, initializes the MCP session, and caches the
// tool list. A failure is stored so later calls surface the exact cause.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client, err := c.dial(ctx)
	if err != nil {
		c.connectErr = err
		return err
	}

	tools, err := c.discoverTools(ctx, client)
	if err != nil {
		client.Close()
		c.connectErr = err
		return err
	}

	c.client = client
	c.tools = tools
	c.connectErr = nil

	c.log.Info("connected to MCP server",
		slog.String("transport", string(c.cfg.Transport)),
		slog.Int("tool_count", len(tools)),
	)
	return nil
}

// dial creates and initializes the mcp-go client for the configured
// transport.
func (c *Connector) dial(ctx context.Context) (*mcpclient.Client, error) {
	var (
		client *mcpclient.Client
		err    error
	)

	switch c.cfg.Transport {
	case TransportStdio:
		env := envSlice(ResolveEnv(c.cfg.Env))
		client, err = mcpclient.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("creating stdio client: %w", err)
		}

	case TransportSSE:
		var opts []transport.ClientOption
		if len(c.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(c.cfg.Headers))
		}
		client, err = mcpclient.NewSSEMCPClient(ResolvePlaceholders(c.cfg.URL), opts...)
		if err != nil {
			return nil, fmt.Errorf("creating SSE client: %w", err)
		}
		if err := client.Start(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("starting SSE client: %w", err)
		}

	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(c.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(c.cfg.Headers))
		}
		t, terr := transport.NewStreamableHTTP(ResolvePlaceholders(c.cfg.URL), opts...)
		if terr != nil {
			return nil, fmt.Errorf("creating HTTP transport: %w", terr)
		}
		client = mcpclient.NewClient(t)
		if err := client.Start(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("starting HTTP client: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported transport: %s", c.cfg.Transport)
	}

	_, err = client.Initialize(ctx, mcpgo.InitializeRequest{
		Params: mcpgo.InitializeParams{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcpgo.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("initializing MCP session with %q: %w", c.cfg.Name, err)
	}

	return client, nil
}

// discoverTools runs tools/list. On SSE the first attempt can race the
// endpoint event, so it retries.
func (c *Connector) discoverTools(ctx context.Context, client *mcpclient.Client) ([]ToolInfo, error) {
	attempts := 1
	if c.cfg.Transport == TransportSSE {
		attempts = sseDiscoveryAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := sseDiscoveryInitial * (1 << (i - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
		if err != nil {
			lastErr = err
			continue
		}

		tools := make([]ToolInfo, 0, len(result.Tools))
		for _, t := range result.Tools {
			tools = append(tools, ToolInfo{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: convertInputSchema(t.InputSchema),
				ServerName:  c.cfg.Name,
			})
		}
		return tools, nil
	}
	return nil, fmt.Errorf("listing tools on %q: %w", c.cfg.Name, lastErr)
}

// Tools returns the cached tool list from connect time.
func (c *Connector) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// CallTool forwards one tool call. Calls on the same connector are
// serialized; the result is unwrapped per UnwrapResult.
func (c *Connector) CallTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	c.mu.Lock()
	client, connectErr := c.client, c.connectErr
	c.mu.Unlock()

	if client == nil {
		if connectErr != nil {
			return nil, fmt.Errorf("server %q is not connected: %w", c.cfg.Name, connectErr)
		}
		return nil, fmt.Errorf("server %q is not connected", c.cfg.Name)
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	result, err := client.CallTool(ctx, mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("calling tool %q on server %q: %w", tool, c.cfg.Name, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %q on server %q returned an error: %s",
			tool, c.cfg.Name, flattenText(result))
	}

	return UnwrapResult(result), nil
}

// Close shuts down the transport. Safe to call on a never-connected or
// failed connector.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.tools = nil
	return err
}

// UnwrapResult reduces a tool result to its payload: a single text content
// block becomes its text, parsed as JSON when it looks like an object or
// array. Any other shape is returned verbatim.
func UnwrapResult(result *mcpgo.CallToolResult) any {
	if result == nil {
		return nil
	}

	if len(result.Content) == 1 {
		if tc, ok := mcpgo.AsTextContent(result.Content[0]); ok {
			text := tc.Text
			trimmed := strings.TrimSpace(text)
			if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				var parsed any
				if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
					return parsed
				}
			}
			return text
		}
	}

	return result
}

func flattenText(result *mcpgo.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := mcpgo.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func convertInputSchema(schema mcpgo.ToolInputSchema) map[string]any {
	m := map[string]any{"type": schema.Type}
	if schema.Properties != nil {
		m["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	return m
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
