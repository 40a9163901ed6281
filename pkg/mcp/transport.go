package mcp

import "context"

// Transport abstracts bidirectional JSON-RPC communication with an MCP server.
type Transport interface {
	// Send sends a JSON-RPC request and returns the correlated response.
	Send(ctx context.Context, req Request) (Response, error)
	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, method string, params any) error
	// Alive reports whether the underlying server process is still running.
	Alive() bool
	// Close terminates the transport connection and releases its resources.
	Close() error
}

// TransportFactory creates a fresh transport. Sessions call it on Start and
// on every Reconnect; tests inject factories returning mock transports.
type TransportFactory func() (Transport, error)
