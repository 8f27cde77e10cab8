// Package mcpmgr pools process-backed MCP connections by backend name and
// dispatches tool calls to them.
//
// # Core entry points
//
//   - Manager is the long-lived pool. Construct it with NewManager, optionally
//     pre-registering a StdioServerConfig per backend, then call GetOrCreate
//     to obtain a ready connection. Concurrent first use of one name spawns
//     exactly one child; later callers share it until it closes.
//   - ExecuteOnBackend is the dispatch entry point: it resolves the pooled
//     connection, picks a tool (AutoTool selects the first one the backend
//     lists), and returns the tool's raw JSON result unchanged.
//   - CloseAll stops every pooled backend in parallel during shutdown.
//
// Connections that close on their own (the child exits, the stream breaks)
// are removed from the pool automatically; the next GetOrCreate for that
// name starts a fresh child. Register OnServerRemoved to observe removals.
//
// Metrics exports Prometheus counters and gauges for connects, live
// connections, and tool calls. Use ViewOf or CommandLine to display a
// configuration without exposing environment values.
package mcpmgr
