// Package orchestrator exposes a single MCP server that routes natural-language
// requests to the backends managed by mcpmgr. Clients see four tools
// (find_tool, execute, list_capabilities and explain_tool) and never need to
// know which backend ends up doing the work.
package orchestrator
