package mcp

import (
	"context"

	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// ServerTool adapts one discovered MCP tool to the registry's Tool
// interface. Calls route through the pool so reconnects stay transparent.
type ServerTool struct {
	pool   *Pool
	server string
	desc   ToolDescriptor
}

func (t *ServerTool) Info() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        t.desc.Name,
		Description: t.desc.Description,
		Parameters:  t.desc.InputSchema,
		Risk:        task.RiskMedium,
		Category:    "mcp:" + t.server,
		Origin:      tools.OriginMCP,
	}
}

func (t *ServerTool) Execute(ctx context.Context, args map[string]any) (task.ToolResult, error) {
	text, err := t.pool.CallTool(ctx, t.server, t.desc.Name, args)
	if err != nil {
		return task.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return task.ToolResult{Success: true, Output: text}, nil
}

// RegisterServerTools publishes every tool a connected server discovered
// into the registry, replacing stale entries from prior connections.
func RegisterServerTools(p *Pool, registry *tools.Registry, server string) error {
	p.mu.Lock()
	entry, ok := p.entries[server]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	for _, desc := range entry.client.Tools() {
		st := &ServerTool{pool: p, server: server, desc: desc}
		if err := registry.ReplaceTool(st); err != nil {
			return err
		}
	}
	return nil
}

var _ tools.Tool = (*ServerTool)(nil)
