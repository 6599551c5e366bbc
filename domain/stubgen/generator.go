// Package stubgen turns discovered MCP tool schemas into Python source
// uploaded into the sandbox, so code running there can invoke MCP tools as
// ordinary function calls through a small in-sandbox client module.
package stubgen

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cadenza-ai/cadenza/domain/mcp"
)

// Asset is one generated file, with a path relative to the sandbox tools/
// directory.
type Asset struct {
	Path    string
	Content []byte
}

// Generate produces the complete stub set for the given servers and their
// discovered tools: one module per server, the shared mcp_client module, and
// one markdown doc per tool. Output is deterministic for stable uploads.
//
// Server configs are passed through with ${VAR} placeholders intact;
// resolution happens inside the sandbox at call time so secrets are never
// inlined into generated source.
func Generate(configs []mcp.ServerConfig, tools map[string][]mcp.ToolInfo) ([]Asset, error) {
	clientModule, err := clientModule(configs)
	if err != nil {
		return nil, err
	}

	assets := []Asset{{Path: "mcp_client.py", Content: []byte(clientModule)}}

	serverNames := make([]string, 0, len(tools))
	for name := range tools {
		serverNames = append(serverNames, name)
	}
	sort.Strings(serverNames)

	for _, server := range serverNames {
		serverTools := append([]mcp.ToolInfo(nil), tools[server]...)
		sort.Slice(serverTools, func(i, j int) bool { return serverTools[i].Name < serverTools[j].Name })

		assets = append(assets, Asset{
			Path:    sanitizeName(server) + ".py",
			Content: []byte(serverModule(server, serverTools)),
		})
		for _, tool := range serverTools {
			assets = append(assets, Asset{
				Path:    fmt.Sprintf("docs/%s_%s.md", sanitizeName(server), sanitizeName(tool.Name)),
				Content: []byte(toolDoc(tool)),
			})
		}
	}

	return assets, nil
}

// sanitizeName makes a tool or server name a valid Python identifier.
func sanitizeName(name string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(name)
}

// pyType maps a JSON Schema type to its Python annotation.
func pyType(schemaType string) string {
	switch schemaType {
	case "string":
		return "str"
	case "number":
		return "float"
	case "integer":
		return "int"
	case "boolean":
		return "bool"
	case "array":
		return "List"
	case "object":
		return "Dict"
	case "null":
		return "None"
	default:
		return "Any"
	}
}

// pyLiteral renders a schema default value as a Python literal.
func pyLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case string:
		return pyString(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "None"
		}
		return string(data)
	}
}

func pyString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// orderedParams returns the tool's parameters with required ones first, then
// optional ones, alphabetical within each group.
func orderedParams(tool mcp.ToolInfo) []namedParam {
	params := tool.Parameters()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := params[names[i]], params[names[j]]
		if pi.Required != pj.Required {
			return pi.Required
		}
		return names[i] < names[j]
	})

	ordered := make([]namedParam, 0, len(names))
	for _, name := range names {
		ordered = append(ordered, namedParam{Name: name, Info: params[name]})
	}
	return ordered
}

type namedParam struct {
	Name string
	Info mcp.ParameterInfo
}

// serverModule renders one Python module with a function per tool.
func serverModule(server string, tools []mcp.ToolInfo) string {
	var b strings.Builder

	fmt.Fprintf(&b, `"""Generated tool stubs for MCP server %q.

Do not edit: regenerated on every tool refresh.
"""

from typing import Any, Dict, List, Optional

from mcp_client import _call_mcp_tool

`, server)

	for _, tool := range tools {
		writeToolFunction(&b, server, tool)
	}

	return b.String()
}

func writeToolFunction(b *strings.Builder, server string, tool mcp.ToolInfo) {
	params := orderedParams(tool)

	var sig []string
	for _, p := range params {
		annotation := pyType(p.Info.Type)
		if p.Info.Required {
			sig = append(sig, fmt.Sprintf("%s: %s", sanitizeName(p.Name), annotation))
			continue
		}
		defaultLit := "None"
		if p.Info.Default != nil {
			defaultLit = pyLiteral(p.Info.Default)
		}
		if defaultLit == "None" && annotation != "Any" {
			annotation = "Optional[" + annotation + "]"
		}
		sig = append(sig, fmt.Sprintf("%s: %s = %s", sanitizeName(p.Name), annotation, defaultLit))
	}

	fmt.Fprintf(b, "\ndef %s(%s) -> Any:\n", sanitizeName(tool.Name), strings.Join(sig, ", "))

	doc := strings.TrimSpace(tool.Description)
	if doc == "" {
		doc = "Call the " + tool.Name + " tool."
	}
	fmt.Fprintf(b, "    \"\"\"%s\"\"\"\n", strings.ReplaceAll(doc, `"""`, `\"\"\"`))

	b.WriteString("    args = {}\n")
	for _, p := range params {
		ident := sanitizeName(p.Name)
		fmt.Fprintf(b, "    if %s is not None:\n        args[%s] = %s\n", ident, pyString(p.Name), ident)
	}
	fmt.Fprintf(b, "    return _call_mcp_tool(%s, %s, args)\n\n", pyString(server), pyString(tool.Name))
}

// toolDoc renders the per-tool markdown documentation.
func toolDoc(tool mcp.ToolInfo) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\nServer: `%s`\n\n", tool.Name, tool.ServerName)
	if desc := strings.TrimSpace(tool.Description); desc != "" {
		b.WriteString(desc + "\n\n")
	}

	params := orderedParams(tool)
	if len(params) == 0 {
		b.WriteString("This tool takes no parameters.\n")
		return b.String()
	}

	b.WriteString("## Parameters\n\n| Name | Type | Required | Description |\n|---|---|---|---|\n")
	for _, p := range params {
		required := "no"
		if p.Info.Required {
			required = "yes"
		}
		desc := strings.ReplaceAll(p.Info.Description, "|", `\|`)
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", p.Name, pyType(p.Info.Type), required, desc)
	}

	fmt.Fprintf(&b, "\n## Usage\n\n```python\nfrom %s import %s\n```\n",
		sanitizeName(tool.ServerName), sanitizeName(tool.Name))
	return b.String()
}

// clientModule renders the shared in-sandbox MCP client. The embedded server
// registry keeps ${VAR} placeholders verbatim; they are expanded from the
// sandbox environment when a server is first started.
func clientModule(configs []mcp.ServerConfig) (string, error) {
	type clientServer struct {
		Transport string            `json:"transport"`
		Command   string            `json:"command,omitempty"`
		Args      []string          `json:"args,omitempty"`
		Env       map[string]string `json:"env,omitempty"`
		URL       string            `json:"url,omitempty"`
	}

	registry := make(map[string]clientServer)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		registry[cfg.Name] = clientServer{
			Transport: string(cfg.Transport),
			Command:   cfg.Command,
			Args:      cfg.Args,
			Env:       cfg.Env,
			URL:       cfg.URL,
		}
	}

	registryJSON, err := json.MarshalIndent(registry, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal server registry: %w", err)
	}

	return strings.Replace(clientModuleTemplate, "__SERVERS_JSON__", string(registryJSON), 1), nil
}

// clientModuleTemplate is the in-sandbox MCP client. Stdio servers start
// lazily on first use, guarded by a per-name lock; calls go over
// line-delimited JSON-RPC on the child's stdin/stdout.
const clientModuleTemplate = `"""Shared MCP client for generated tool stubs.

Do not edit: regenerated on every tool refresh.
"""

import json
import os
import re
import subprocess
import threading
import urllib.request

SERVERS = json.loads(r"""
__SERVERS_JSON__
""")

_processes = {}
_locks = {}
_locks_guard = threading.Lock()
_next_id = 0
_id_lock = threading.Lock()


def _resolve(value):
    """Expand ${VAR} references from the sandbox environment."""
    if isinstance(value, str):
        return re.sub(r"\$\{([A-Za-z_][A-Za-z0-9_]*)\}", lambda m: os.environ.get(m.group(1), ""), value)
    if isinstance(value, dict):
        return {k: _resolve(v) for k, v in value.items()}
    if isinstance(value, list):
        return [_resolve(v) for v in value]
    return value


def _server_lock(server):
    with _locks_guard:
        if server not in _locks:
            _locks[server] = threading.Lock()
        return _locks[server]


def _message_id():
    global _next_id
    with _id_lock:
        _next_id += 1
        return _next_id


def _start_stdio(server, config):
    env = dict(os.environ)
    env.update(_resolve(config.get("env") or {}))
    proc = subprocess.Popen(
        [config["command"]] + list(config.get("args") or []),
        stdin=subprocess.PIPE,
        stdout=subprocess.PIPE,
        stderr=subprocess.DEVNULL,
        env=env,
        text=True,
    )
    _rpc(proc, "initialize", {
        "protocolVersion": "2024-11-05",
        "clientInfo": {"name": "cadenza-sandbox", "version": "1.0.0"},
        "capabilities": {},
    })
    _notify(proc, "notifications/initialized")
    _processes[server] = proc
    return proc


def _rpc(proc, method, params):
    request = {"jsonrpc": "2.0", "id": _message_id(), "method": method, "params": params}
    proc.stdin.write(json.dumps(request) + "\n")
    proc.stdin.flush()
    while True:
        line = proc.stdout.readline()
        if not line:
            raise RuntimeError("MCP server closed the connection")
        message = json.loads(line)
        if message.get("id") == request["id"]:
            if "error" in message:
                raise RuntimeError("MCP error: %s" % message["error"].get("message", message["error"]))
            return message.get("result")


def _notify(proc, method):
    proc.stdin.write(json.dumps({"jsonrpc": "2.0", "method": method}) + "\n")
    proc.stdin.flush()


def _call_http(config, tool, args):
    body = json.dumps({
        "jsonrpc": "2.0",
        "id": _message_id(),
        "method": "tools/call",
        "params": {"name": tool, "arguments": args},
    }).encode()
    request = urllib.request.Request(
        _resolve(config["url"]),
        data=body,
        headers={"Content-Type": "application/json"},
    )
    with urllib.request.urlopen(request) as response:
        message = json.loads(response.read())
    if "error" in message:
        raise RuntimeError("MCP error: %s" % message["error"].get("message", message["error"]))
    return message.get("result")


def _unwrap(result):
    if isinstance(result, dict):
        content = result.get("content")
        if isinstance(content, list) and len(content) == 1 and content[0].get("type") == "text":
            text = content[0].get("text", "")
            stripped = text.strip()
            if stripped.startswith("{") or stripped.startswith("["):
                try:
                    return json.loads(stripped)
                except ValueError:
                    pass
            return text
    return result


def _call_mcp_tool(server, tool, args):
    config = SERVERS.get(server)
    if config is None:
        raise RuntimeError("unknown MCP server: %s" % server)

    if config["transport"] in ("sse", "http"):
        return _unwrap(_call_http(config, tool, args))

    with _server_lock(server):
        proc = _processes.get(server)
        if proc is None or proc.poll() is not None:
            proc = _start_stdio(server, config)
        result = _rpc(proc, "tools/call", {"name": tool, "arguments": args})
    return _unwrap(result)
`
