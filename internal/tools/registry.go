package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Registry manages multiple MCP tool server connections.
type Registry struct {
	connections map[string]*MCPConnection // server name → connection
	toolIndex   map[string]string         // tool name → server name
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*MCPConnection),
		toolIndex:   make(map[string]string),
	}
}

// Register launches an MCP tool server and adds its tools to the registry.
func (r *Registry) Register(name string, cfg ToolServerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	var env []string
	env = append(env, os.Environ()...)
	for k, v := range cfg.Env {
		// Expand environment variable references like ${VAR}
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			envVar := v[2 : len(v)-1]
			v = os.Getenv(envVar)
		}
		env = append(env, k+"="+v)
	}

	conn, err := NewMCPConnection(name, cfg.Binary, env, cfg.Args...)
	if err != nil {
		return err
	}
	return r.Attach(name, conn)
}

// Attach adds an already connected server. Tool names must be unique
// across servers.
func (r *Registry) Attach(name string, conn *MCPConnection) error {
	for _, toolName := range conn.ToolNames() {
		if other, dup := r.toolIndex[toolName]; dup {
			conn.Close()
			return fmt.Errorf("tool %s from %s is already provided by %s", toolName, name, other)
		}
	}
	r.connections[name] = conn
	for _, toolName := range conn.ToolNames() {
		r.toolIndex[toolName] = name
	}
	return nil
}

// AllTools returns tool definitions from all registered servers, sorted by
// name.
func (r *Registry) AllTools() []ToolDef {
	var all []ToolDef
	for _, conn := range r.connections {
		all = append(all, conn.ToolDefs()...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// CallTool routes a tool call to the appropriate MCP server.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	serverName, ok := r.toolIndex[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	conn := r.connections[serverName]
	return conn.CallTool(ctx, name, args)
}

// HasTools returns true if any tools are registered.
func (r *Registry) HasTools() bool {
	return len(r.toolIndex) > 0
}

// Close shuts down all MCP server connections.
func (r *Registry) Close() {
	for _, conn := range r.connections {
		conn.Close()
	}
}
