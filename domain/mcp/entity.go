// Package mcp manages connections to external MCP servers for a workspace
// session: server configuration, one connector per server, and the registry
// that routes tool calls.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Transport selects how a connector reaches its server.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// ServerConfig describes one external MCP server.
//
// Env values and URL may contain ${VAR} placeholders resolved from the
// process environment at connect time.
type ServerConfig struct {
	Name      string            `json:"name"`
	Enabled   bool              `json:"enabled"`
	Transport Transport         `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Validate checks the transport-specific required fields.
func (c *ServerConfig) Validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %q: command is required for stdio transport", c.Name)
		}
	case TransportSSE, TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("server %q: url is required for %s transport", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("server %q: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// ToolInfo is one tool discovered from a server via tools/list.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	ServerName  string         `json:"server_name"`
}

// ParameterInfo is the flattened view of one input-schema property.
type ParameterInfo struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Parameters flattens the JSON Schema properties into per-parameter info.
func (t *ToolInfo) Parameters() map[string]ParameterInfo {
	params := make(map[string]ParameterInfo)

	props, _ := t.InputSchema["properties"].(map[string]any)
	required := make(map[string]bool)
	if req, ok := t.InputSchema["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		info := ParameterInfo{Required: required[name]}
		if typ, ok := prop["type"].(string); ok {
			info.Type = typ
		}
		if desc, ok := prop["description"].(string); ok {
			info.Description = desc
		}
		if def, ok := prop["default"]; ok {
			info.Default = def
		}
		params[name] = info
	}
	return params
}

// serversFile is the on-disk shape of the server configuration file: a
// mapping from server name to config under "mcpServers".
type serversFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadServers reads the MCP server configuration file. A missing file is not
// an error: it yields an empty list. Transport is inferred when omitted
// (command present implies stdio, url present implies sse).
func LoadServers(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mcp servers file: %w", err)
	}

	var file serversFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mcp servers file %s: %w", path, err)
	}

	configs := make([]ServerConfig, 0, len(file.MCPServers))
	for name, cfg := range file.MCPServers {
		cfg.Name = name
		if cfg.Transport == "" {
			if cfg.Command != "" {
				cfg.Transport = TransportStdio
			} else if cfg.URL != "" {
				cfg.Transport = TransportSSE
			}
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}
