// Package mcp implements a client for MCP (Model Context Protocol) servers
// spoken over the stdio of a spawned child process. Messages are
// newline-delimited JSON-RPC 2.0; a per-process reader goroutine correlates
// responses to outstanding requests by ID.
//
// Session is the per-server unit: it owns the process, runs the initialize
// handshake, and exposes tools/list and tools/call. Multi-server pooling
// lives in package pool.
package mcp
