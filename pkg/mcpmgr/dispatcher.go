package mcpmgr

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpconn"
)

// AutoTool asks ExecuteOnBackend to call the first tool the backend lists.
const AutoTool = "auto"

// ExecuteOnBackend calls toolName on the backend called name and returns the
// backend's result unchanged. The connection is taken from the pool or
// created with cfg (or the registered configuration when cfg is nil). When
// toolName is AutoTool the first listed tool is used. A KindNoSuitableTool
// error is returned when no tool name results, such as for a backend without
// tools. Failures are logged and returned
// unchanged; nothing is retried.
func (m *Manager) ExecuteOnBackend(ctx context.Context, name, toolName string, args any, cfg *StdioServerConfig) (json.RawMessage, error) {
	start := time.Now()
	result, resolved, err := m.executeOnBackend(ctx, name, toolName, args, cfg)
	m.metrics.observeCall(name, err, time.Since(start))
	if err != nil {
		m.logger.Error("execute on backend failed", "backend", name, "tool", resolved, "error", err)
		return nil, err
	}
	m.logger.Debug("executed on backend", "backend", name, "tool", resolved, "duration", time.Since(start))
	return result, nil
}

func (m *Manager) executeOnBackend(ctx context.Context, name, toolName string, args any, cfg *StdioServerConfig) (json.RawMessage, string, error) {
	conn, err := m.GetOrCreate(ctx, name, cfg)
	if err != nil {
		return nil, toolName, err
	}
	if toolName == AutoTool {
		tools, err := conn.ListTools(ctx)
		if err != nil {
			return nil, toolName, err
		}
		if len(tools) == 0 {
			return nil, toolName, &mcpconn.Error{Kind: mcpconn.KindNoSuitableTool, Backend: name, Message: "backend reports no tools"}
		}
		toolName = tools[0].Name
	}
	if toolName == "" {
		return nil, toolName, &mcpconn.Error{Kind: mcpconn.KindNoSuitableTool, Backend: name, Message: "no tool name to call"}
	}
	result, err := conn.CallTool(ctx, toolName, args)
	return result, toolName, err
}
