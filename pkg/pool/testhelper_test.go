package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/jg-phare/toolpool/pkg/mcp"
)

// fakeTransport implements mcp.Transport for manager tests.
type fakeTransport struct {
	mu      sync.Mutex
	tools   []mcp.ToolInfo
	initErr *mcp.RPCError
	listErr *mcp.RPCError
	callErr *mcp.RPCError
	alive   bool
	closed  bool
	calls   int // tools/call invocations
}

func newFakeTransport(tools ...mcp.ToolInfo) *fakeTransport {
	return &fakeTransport{tools: tools, alive: true}
}

func (f *fakeTransport) kill() {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) Send(_ context.Context, req mcp.Request) (mcp.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return mcp.Response{}, mcp.ErrClosed
	}
	if !f.alive {
		return mcp.Response{}, fmt.Errorf("%w: fake killed", mcp.ErrProcessDied)
	}

	id := ""
	if req.ID != nil {
		id = *req.ID
	}
	resp := mcp.Response{JSONRPC: "2.0", ID: id}

	switch req.Method {
	case mcp.MethodInitialize:
		if f.initErr != nil {
			resp.Error = f.initErr
			return resp, nil
		}
		result, _ := json.Marshal(mcp.InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      mcp.ServerInfo{Name: "fake", Version: "1.0"},
		})
		resp.Result = result
	case mcp.MethodToolsList:
		if f.listErr != nil {
			resp.Error = f.listErr
			return resp, nil
		}
		result, _ := json.Marshal(mcp.ToolsListResult{Tools: f.tools})
		resp.Result = result
	case mcp.MethodToolsCall:
		f.calls++
		if f.callErr != nil {
			resp.Error = f.callErr
			return resp, nil
		}
		result, _ := json.Marshal(mcp.ToolResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}},
		})
		resp.Result = result
	default:
		resp.Error = &mcp.RPCError{Code: -32601, Message: "Method not found"}
	}
	return resp, nil
}

func (f *fakeTransport) Notify(_ context.Context, _ string, _ any) error {
	return nil
}

func (f *fakeTransport) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive && !f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.alive = false
	return nil
}

// fakeFleet hands out queued fake transports per server name and counts how
// many each server consumed (Start and every Reconnect consume one).
type fakeFleet struct {
	mu         sync.Mutex
	transports map[string][]*fakeTransport
	spawned    map[string]int
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		transports: make(map[string][]*fakeTransport),
		spawned:    make(map[string]int),
	}
}

func (f *fakeFleet) queue(server string, transports ...*fakeTransport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports[server] = append(f.transports[server], transports...)
}

func (f *fakeFleet) spawnCount(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned[server]
}

func (f *fakeFleet) sessionFactory(name string, _ ServerConfig, logger *log.Logger) *mcp.Session {
	return mcp.NewSession(name, mcp.ServerConfig{Command: "fake"},
		mcp.WithLogger(logger),
		mcp.WithTransportFactory(func() (mcp.Transport, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			queue := f.transports[name]
			if len(queue) == 0 {
				return nil, fmt.Errorf("no transport available for %q", name)
			}
			next := queue[0]
			f.transports[name] = queue[1:]
			f.spawned[name]++
			return next, nil
		}),
	)
}

func newTestManager(t *testing.T, cfg Config, store StateStore, fleet *fakeFleet) *Manager {
	t.Helper()
	m := NewManager(cfg, store, WithSessionFactory(fleet.sessionFactory))
	t.Cleanup(m.StopAll)
	return m
}
