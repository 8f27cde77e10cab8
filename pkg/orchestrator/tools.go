package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

// FindToolInput is the argument of find_tool.
type FindToolInput struct {
	Query string `json:"query" jsonschema:"Natural language description of what you want to do"`
}

// ExecuteInput is the argument of execute.
type ExecuteInput struct {
	Request string         `json:"request" jsonschema:"What you want to do"`
	Params  map[string]any `json:"params,omitempty" jsonschema:"Optional parameters for the request"`
}

// ListCapabilitiesInput is the argument of list_capabilities.
type ListCapabilitiesInput struct {
	Category string `json:"category,omitempty" jsonschema:"Optional category to filter by (e.g., 'image', 'code', 'file')"`
}

// ExplainToolInput is the argument of explain_tool.
type ExplainToolInput struct {
	MCPName  string `json:"mcp_name" jsonschema:"Name of the MCP server"`
	ToolName string `json:"tool_name" jsonschema:"Name of the tool"`
}

func (o *Orchestrator) registerTools() {
	mcp.AddTool(o.server, &mcp.Tool{
		Name:        "find_tool",
		Description: "Find which MCP and tool to use for a given task",
	}, o.findTool)
	mcp.AddTool(o.server, &mcp.Tool{
		Name:        "execute",
		Description: "Execute a request without knowing which MCP to use - the orchestrator will route it",
	}, o.execute)
	mcp.AddTool(o.server, &mcp.Tool{
		Name:        "list_capabilities",
		Description: "List all available capabilities across all MCPs",
	}, o.listCapabilities)
	mcp.AddTool(o.server, &mcp.Tool{
		Name:        "explain_tool",
		Description: "Get detailed information about a specific tool",
	}, o.explainTool)
}

func (o *Orchestrator) findTool(_ context.Context, _ *mcp.CallToolRequest, in FindToolInput) (*mcp.CallToolResult, any, error) {
	match, ok := o.matcher.Best(in.Query, o.opts.Threshold)
	if !ok {
		return textResult("No suitable MCP found for this query. Try listing capabilities to see what's available."), nil, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Best match: %s MCP (confidence: %.2f)", match.Backend, match.Confidence)
	tools := "(tools not documented)"
	if entry, ok := o.catalog.Entry(match.Backend); ok {
		fmt.Fprintf(&b, "\n\nDescription: %s", entry.Description)
		if names := entry.ToolNames(); len(names) > 0 {
			tools = strings.Join(names, ", ")
		}
	}
	fmt.Fprintf(&b, "\n\nAvailable tools: %s", tools)
	if !match.IsBackend() {
		fmt.Fprintf(&b, "\n\nSuggested tool: %s", match.Tool)
	}
	return textResult(b.String()), nil, nil
}

func (o *Orchestrator) execute(ctx context.Context, _ *mcp.CallToolRequest, in ExecuteInput) (*mcp.CallToolResult, any, error) {
	match, ok := o.matcher.Best(in.Request, o.opts.Threshold)
	if !ok {
		return textResult("Could not determine which MCP to use for this request."), nil, nil
	}
	cfg, ok := o.catalog.Descriptor(match.Backend)
	if !ok {
		return textResult(fmt.Sprintf("Configuration not found for %s MCP.", match.Backend)), nil, nil
	}
	tool := mcpmgr.AutoTool
	if !match.IsBackend() {
		tool = match.Tool
	}
	args := in.Params
	if args == nil {
		args = map[string]any{}
	}
	o.opts.Logger.Info("routing request", "backend", match.Backend, "tool", tool, "confidence", match.Confidence)
	result, err := o.exec.ExecuteOnBackend(ctx, match.Backend, tool, args, cfg)
	if err != nil {
		o.logError("routed request failed", err, "backend", match.Backend, "tool", tool)
		res := textResult(fmt.Sprintf("Error executing on %s MCP: %v", match.Backend, err))
		res.IsError = true
		return res, nil, nil
	}
	return textResult(fmt.Sprintf("Routed to %s MCP\n\nResult:\n%s", match.Backend, FormatResult(result))), nil, nil
}

func (o *Orchestrator) listCapabilities(_ context.Context, _ *mcp.CallToolRequest, in ListCapabilitiesInput) (*mcp.CallToolResult, any, error) {
	caps := o.catalog.ListCapabilities(in.Category)
	if len(caps) == 0 {
		return textResult("No capabilities found."), nil, nil
	}
	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	sort.Strings(names)
	var lines []string
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("**%s**:", name))
		for _, c := range caps[name] {
			lines = append(lines, "  - "+c)
		}
		lines = append(lines, "")
	}
	return textResult(strings.Join(lines, "\n")), nil, nil
}

func (o *Orchestrator) explainTool(_ context.Context, _ *mcp.CallToolRequest, in ExplainToolInput) (*mcp.CallToolResult, any, error) {
	doc, ok := o.catalog.ToolInfo(in.MCPName, in.ToolName)
	if !ok {
		return textResult(fmt.Sprintf("Tool '%s' not found in %s MCP.", in.ToolName, in.MCPName)), nil, nil
	}
	desc := doc.Description
	if desc == "" {
		desc = "No description"
	}
	lines := []string{
		fmt.Sprintf("Tool: %s (from %s MCP)", in.ToolName, in.MCPName),
		"Description: " + desc,
		"",
	}
	if len(doc.Examples) > 0 {
		lines = append(lines, "Examples:")
		for _, ex := range doc.Examples {
			lines = append(lines, "  - "+ex)
		}
	}
	return textResult(strings.Join(lines, "\n")), nil, nil
}

// FormatResult renders a backend result for display. Text content blocks
// and arrays of text items are joined with newlines; anything else is
// printed as indented JSON.
func FormatResult(raw json.RawMessage) string {
	var wrapped struct {
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Content) > 0 {
		return joinItems(wrapped.Content)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		return joinItems(items)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func joinItems(items []json.RawMessage) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		var text struct {
			Text *string `json:"text"`
		}
		if err := json.Unmarshal(item, &text); err == nil && text.Text != nil {
			parts = append(parts, *text.Text)
			continue
		}
		parts = append(parts, string(item))
	}
	return strings.Join(parts, "\n")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
