// Package mcpconn speaks line-delimited JSON-RPC to a single MCP backend that
// runs as a child process. A Connection spawns the child from a
// StdioServerConfig, performs the initialize handshake, and then multiplexes
// any number of concurrent tools/list and tools/call requests over the child's
// stdin/stdout, correlating responses by request id regardless of the order
// in which the child answers.
//
// # Lifecycle
//
// A Connection moves through StateUninitialized, StateConnecting, StateReady
// and StateClosed. Closed is terminal: the child exiting, a fatal read error,
// a failed handshake, or Disconnect all end there, and every request still
// waiting for a response is failed with a KindConnectionClosed error.
//
// # Errors
//
// Failures are reported as *Error values carrying a Kind. Use errors.Is with
// the Err* sentinels (for example ErrTimeout or ErrRemoteTool) or KindOf to
// branch on the failure class. Remote tool failures keep the verbatim
// JSON-RPC error object in Error.Remote.
package mcpconn
