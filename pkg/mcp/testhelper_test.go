package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// mockTransport implements Transport with pre-programmed responses.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage // method → result JSON
	errOnce   map[string]*RPCError       // method → error returned once, then cleared
	delay     time.Duration              // artificial response latency
	alive     bool
	closed    bool
	requests  []Request // every request seen, in order
	notified  []string  // methods that were notified
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]json.RawMessage),
		errOnce:   make(map[string]*RPCError),
		alive:     true,
	}
}

// withInitialize configures the mock to respond to initialize.
func (m *mockTransport) withInitialize() *mockTransport {
	result := InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
		ServerInfo:      ServerInfo{Name: "mock-server", Version: "1.0"},
	}
	data, _ := json.Marshal(result)
	m.responses[MethodInitialize] = data
	return m
}

// withTools configures the mock to respond to tools/list with the given tools.
func (m *mockTransport) withTools(tools []ToolInfo) *mockTransport {
	result := ToolsListResult{Tools: tools}
	data, _ := json.Marshal(result)
	m.responses[MethodToolsList] = data
	return m
}

// withToolCall configures the mock to respond to tools/call with the given result.
func (m *mockTransport) withToolCall(toolResult ToolResult) *mockTransport {
	data, _ := json.Marshal(toolResult)
	m.responses[MethodToolsCall] = data
	return m
}

// withResponse configures a raw result for any method.
func (m *mockTransport) withResponse(method string, result json.RawMessage) *mockTransport {
	m.responses[method] = result
	return m
}

// withErrorOnce configures a protocol error returned for the method's next
// call only.
func (m *mockTransport) withErrorOnce(method string, rpcErr *RPCError) *mockTransport {
	m.errOnce[method] = rpcErr
	return m
}

// withDelay adds latency to every Send.
func (m *mockTransport) withDelay(d time.Duration) *mockTransport {
	m.delay = d
	return m
}

// kill simulates the server process exiting.
func (m *mockTransport) kill() {
	m.mu.Lock()
	m.alive = false
	m.mu.Unlock()
}

func (m *mockTransport) requestsFor(method string) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, req := range m.requests {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (m *mockTransport) Send(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Response{}, ErrClosed
	}
	if !m.alive {
		m.mu.Unlock()
		return Response{}, fmt.Errorf("%w: mock killed", ErrProcessDied)
	}
	m.requests = append(m.requests, req)
	delay := m.delay
	rpcErr := m.errOnce[req.Method]
	if rpcErr != nil {
		delete(m.errOnce, req.Method)
	}
	result, ok := m.responses[req.Method]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	id := ""
	if req.ID != nil {
		id = *req.ID
	}

	if rpcErr != nil {
		return Response{JSONRPC: jsonrpcVersion, ID: id, Error: rpcErr}, nil
	}
	if !ok {
		return Response{
			JSONRPC: jsonrpcVersion,
			ID:      id,
			Error:   &RPCError{Code: -32601, Message: "Method not found: " + req.Method},
		}, nil
	}
	return Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}, nil
}

func (m *mockTransport) Notify(_ context.Context, method string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.notified = append(m.notified, method)
	return nil
}

func (m *mockTransport) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive && !m.closed
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.alive = false
	return nil
}
