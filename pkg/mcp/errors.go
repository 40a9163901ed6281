package mcp

import "errors"

// Sentinel errors returned by Session and StdioTransport operations.
// Protocol-level failures are returned as *RPCError; timeouts surface as
// the context error of the operation's deadline.
var (
	// ErrNotInitialized is returned when an operation requires a completed
	// initialize handshake.
	ErrNotInitialized = errors.New("mcp: session not initialized")

	// ErrProcessDied is returned when the liveness check before a send
	// finds the server process has exited.
	ErrProcessDied = errors.New("mcp: server process exited")

	// ErrClosed is returned for operations on a closed session or transport.
	ErrClosed = errors.New("mcp: closed")
)
