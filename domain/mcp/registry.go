package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/logger"
)

// Registry owns the connectors of one workspace session, keyed by server
// name. Connector errors are isolated: one failing server never takes down
// the rest.
type Registry struct {
	log *slog.Logger

	mu         sync.RWMutex
	connectors map[string]*Connector
}

// NewRegistry builds a registry with one connector per enabled server.
func NewRegistry(configs []ServerConfig, callTimeout time.Duration, log *slog.Logger) *Registry {
	r := &Registry{
		log:        log.With(logger.Scope("mcp.registry")),
		connectors: make(map[string]*Connector),
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		r.connectors[cfg.Name] = NewConnector(cfg, callTimeout, log)
	}
	return r
}

// ConnectAll connects every connector concurrently. Individual failures are
// logged, not returned: the session runs with the servers that came up.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.RLock()
	connectors := make([]*Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		connectors = append(connectors, c)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range connectors {
		wg.Add(1)
		go func(c *Connector) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				r.log.Error("failed to connect MCP server",
					slog.String("server", c.Name()), logger.Error(err))
			}
		}(c)
	}
	wg.Wait()
}

// CallTool routes one tool call to the named server.
func (r *Registry) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	r.mu.RLock()
	c, ok := r.connectors[server]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown MCP server %q", server)
	}
	return c.CallTool(ctx, tool, args)
}

// GetAllTools returns the cached tool lists keyed by server name. Servers
// that failed to connect contribute no entry.
func (r *Registry) GetAllTools() map[string][]ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make(map[string][]ToolInfo)
	for name, c := range r.connectors {
		if list := c.Tools(); list != nil {
			tools[name] = list
		}
	}
	return tools
}

// Configs returns the server configs of all registered connectors. Used by
// the stub generator, which needs raw (unresolved) configs.
func (r *Registry) Configs() []ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]ServerConfig, 0, len(r.connectors))
	for _, c := range r.connectors {
		configs = append(configs, c.cfg)
	}
	return configs
}

// DisconnectAll closes every connector concurrently, tolerating partially
// failed ones.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	connectors := r.connectors
	r.connectors = make(map[string]*Connector)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for name, c := range connectors {
		wg.Add(1)
		go func(name string, c *Connector) {
			defer wg.Done()
			if err := c.Close(); err != nil {
				r.log.Warn("error closing MCP connector",
					slog.String("server", name), logger.Error(err))
			}
		}(name, c)
	}
	wg.Wait()
}
