package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Client identity sent during the initialize handshake.
const (
	clientName    = "toolpool"
	clientVersion = "0.1.0"
)

// Per-operation timeouts. Tool calls may be long-running.
const (
	defaultInitializeTimeout = 30 * time.Second
	defaultListToolsTimeout  = 10 * time.Second
	defaultCallToolTimeout   = 180 * time.Second
)

// Timeouts bundles the per-operation deadlines of a Session.
type Timeouts struct {
	Initialize time.Duration
	ListTools  time.Duration
	CallTool   time.Duration
}

func defaultTimeouts() Timeouts {
	return Timeouts{
		Initialize: defaultInitializeTimeout,
		ListTools:  defaultListToolsTimeout,
		CallTool:   defaultCallToolTimeout,
	}
}

// Session is the per-server client: it owns one transport (and through it
// one server process), performs the initialize handshake, and exposes the
// tool operations. A transport is held by exactly one Session at a time.
type Session struct {
	name         string
	config       ServerConfig
	logger       *log.Logger
	newTransport TransportFactory
	timeouts     Timeouts

	mu         sync.Mutex
	state      SessionState
	transport  Transport
	serverInfo *ServerInfo
	tools      []ToolInfo // last observed tool list
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the structured logger used for session and transport
// diagnostics.
func WithLogger(logger *log.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithTransportFactory overrides how the session builds its transport.
// Used by tests to inject mock transports.
func WithTransportFactory(factory TransportFactory) SessionOption {
	return func(s *Session) { s.newTransport = factory }
}

// WithTimeouts overrides the per-operation deadlines.
func WithTimeouts(t Timeouts) SessionOption {
	return func(s *Session) { s.timeouts = t }
}

// NewSession creates a session for the named server in Created state. The
// server process is not spawned until Start.
func NewSession(name string, config ServerConfig, opts ...SessionOption) *Session {
	s := &Session{
		name:     name,
		config:   config,
		logger:   log.Default(),
		timeouts: defaultTimeouts(),
		state:    StateCreated,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("server", name)
	if s.newTransport == nil {
		s.newTransport = func() (Transport, error) {
			return NewStdioTransport(s.config, s.logger)
		}
	}
	return s
}

// Name returns the server name this session is bound to.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether the session's server process is running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	return tr != nil && tr.Alive()
}

// ServerInfo returns the identity reported by the server during initialize,
// or nil before the handshake.
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Tools returns the most recently observed tool list.
func (s *Session) Tools() []ToolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// Start spawns the server process and its reader. Starting an already-live
// session is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.transport != nil && s.transport.Alive() {
		s.mu.Unlock()
		return nil
	}
	factory := s.newTransport
	s.mu.Unlock()

	transport, err := factory()
	if err != nil {
		s.logger.Error("failed to start server process", "err", err)
		return fmt.Errorf("start %s: %w", s.name, err)
	}

	// The factory ran unlocked; re-check before adopting the new transport.
	// A concurrent Start may have won the race, or a concurrent Close may
	// have finished the session. Either way the extra process must die.
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = transport.Close()
		return ErrClosed
	}
	if s.transport != nil && s.transport.Alive() {
		s.mu.Unlock()
		_ = transport.Close()
		return nil
	}
	old := s.transport
	s.transport = transport
	s.state = StateStarted
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Initialize performs the MCP handshake: an initialize request followed by
// the initialized notification. On success the session becomes Initialized.
func (s *Session) Initialize(ctx context.Context) error {
	transport, err := s.liveTransport()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Initialize)
	defer cancel()

	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      ClientInfo{Name: clientName, Version: clientVersion},
	}
	resp, err := s.send(ctx, transport, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", s.name, err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}

	if err := transport.Notify(ctx, MethodInitialized, nil); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}

	s.mu.Lock()
	s.state = StateInitialized
	s.serverInfo = &result.ServerInfo
	s.mu.Unlock()

	s.logger.Info("server initialized",
		"name", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion,
	)
	return nil
}

// ListTools fetches the server's tool descriptors. Servers that reject the
// omitted params with "invalid params" get one retry with an explicit empty
// object; a result without a tools field means zero tools.
func (s *Session) ListTools(ctx context.Context) ([]ToolInfo, error) {
	transport, err := s.initializedTransport()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.ListTools)
	defer cancel()

	resp, err := s.send(ctx, transport, MethodToolsList, nil)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == CodeInvalidParams {
		s.logger.Debug("tools/list rejected omitted params, retrying with empty object")
		resp, err = s.send(ctx, transport, MethodToolsList, map[string]any{})
	}
	if err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", s.name, err)
	}

	var result ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	if result.Tools == nil {
		result.Tools = []ToolInfo{}
	}

	s.mu.Lock()
	s.tools = result.Tools
	s.mu.Unlock()
	return result.Tools, nil
}

// CallTool invokes a named tool. Arguments default to an empty object. A
// liveness check runs before the send; a dead process moves the session to
// Disconnected and returns ErrProcessDied.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	transport, err := s.initializedTransport()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.CallTool)
	defer cancel()

	resp, err := s.send(ctx, transport, MethodToolsCall, ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s on %s: %w", name, s.name, err)
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &result, nil
}

// Reconnect tears down any existing process and runs Start + Initialize. A
// failed reconnect leaves the session Disconnected.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	transport := s.transport
	s.transport = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}

	s.logger.Info("reconnecting")
	if err := s.Start(); err != nil {
		return err
	}
	if err := s.Initialize(ctx); err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close terminates the process and resolves any outstanding requests as
// failed. The session is unusable afterwards. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	transport := s.transport
	s.transport = nil
	s.state = StateClosed
	s.mu.Unlock()

	if transport != nil {
		return transport.Close()
	}
	return nil
}

// liveTransport returns the transport if the process is running.
func (s *Session) liveTransport() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateClosed:
		return nil, ErrClosed
	case s.transport == nil:
		return nil, fmt.Errorf("session %s not started", s.name)
	case !s.transport.Alive():
		s.state = StateDisconnected
		return nil, ErrProcessDied
	}
	return s.transport, nil
}

// initializedTransport is liveTransport plus the handshake requirement.
func (s *Session) initializedTransport() (Transport, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateCreated || state == StateStarted {
		return nil, ErrNotInitialized
	}
	return s.liveTransport()
}

// send issues one request with a fresh UUID and surfaces protocol-level
// errors as *RPCError. Transport failures that indicate process death move
// the session to Disconnected.
func (s *Session) send(ctx context.Context, transport Transport, method string, params any) (Response, error) {
	req := newRequest(uuid.NewString(), method, params)
	resp, err := transport.Send(ctx, req)
	if err != nil {
		if errors.Is(err, ErrProcessDied) {
			s.mu.Lock()
			if s.state != StateClosed {
				s.state = StateDisconnected
			}
			s.mu.Unlock()
		}
		return Response{}, err
	}
	if resp.Error != nil {
		return Response{}, resp.Error
	}
	return resp, nil
}
