package mcp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// CodeInvalidParams is the JSON-RPC error code for invalid request parameters.
const CodeInvalidParams = -32602

// Request is a JSON-RPC 2.0 request message. IDs are caller-generated
// strings, unique per in-flight request on a given session.
type Request struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      *string `json:"id,omitempty"` // nil for notifications
	Method  string  `json:"method"`
	Params  any     `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result or
// Error is set in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object in a JSON-RPC 2.0 response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// newRequest creates a JSON-RPC 2.0 request with the given ID, method, and params.
func newRequest(id string, method string, params any) Request {
	return Request{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Method:  method,
		Params:  params,
	}
}

// newNotification creates a JSON-RPC 2.0 notification (no ID, no response expected).
func newNotification(method string, params any) Request {
	return Request{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}
