package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/jg-phare/toolpool/pkg/mcp"
)

// Status notes distinguishing the three tool-listing outcomes.
const (
	noteOK      = "provides tools normally"
	noteNoTools = "no tools provided"
)

// ServerStatus is the external view of one configured server.
type ServerStatus struct {
	Name    string           `json:"name"`
	Running bool             `json:"running"`
	State   mcp.SessionState `json:"state,omitempty"`
	Tools   []mcp.ToolInfo   `json:"tools,omitempty"`
	Note    string           `json:"note,omitempty"`
}

// ReloadResult reports what changed after a Reload.
type ReloadResult struct {
	Added   []string          `json:"added,omitempty"`
	Removed []string          `json:"removed,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// SessionFactory builds the session for one server entry. The default
// spawns a stdio transport; tests substitute mock-backed sessions.
type SessionFactory func(name string, config ServerConfig, logger *log.Logger) *mcp.Session

func defaultSessionFactory(name string, config ServerConfig, logger *log.Logger) *mcp.Session {
	return mcp.NewSession(name, mcp.ServerConfig{
		Command: config.Command,
		Args:    config.Args,
		Env:     config.Env,
	}, mcp.WithLogger(logger))
}

// Manager supervises a named registry of sessions: it decides which
// configured servers run, dispatches tool calls with a single
// reconnect-on-death retry, and reports per-server status. Construct one
// instance at startup and pass it by reference; there is no package-global
// manager.
type Manager struct {
	logger     *log.Logger
	store      StateStore
	newSession SessionFactory

	// lifecycleMu serializes start/stop/restart/reload so two callers
	// cannot spawn the same server twice.
	lifecycleMu sync.Mutex

	mu       sync.RWMutex
	config   Config
	sessions map[string]*mcp.Session
	notes    map[string]string // last tool-query outcome per server
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the structured logger.
func WithManagerLogger(logger *log.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithSessionFactory overrides session construction, mainly for tests.
func WithSessionFactory(factory SessionFactory) ManagerOption {
	return func(m *Manager) { m.newSession = factory }
}

// NewManager creates a manager for the given configuration. No server is
// started until StartAll or StartServer.
func NewManager(config Config, store StateStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:     log.Default(),
		store:      store,
		newSession: defaultSessionFactory,
		config:     config,
		sessions:   make(map[string]*mcp.Session),
		notes:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemStateStore()
	}
	return m
}

// NewManagerFromFile loads, validates, and wraps a configuration file.
func NewManagerFromFile(path string, store StateStore, opts ...ManagerOption) (*Manager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return NewManager(*cfg, store, opts...), nil
}

// ServerNames returns all configured server names, sorted.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.config.Servers))
	for name := range m.config.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts and initializes every server that is neither
// config-disabled nor runtime-disabled. Per-server failures are logged and
// joined into the returned error; healthy servers keep running regardless.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.ServerNames() {
		sc, _ := m.serverConfig(name)
		if sc.Disabled || !m.store.Enabled(name) {
			continue
		}
		if err := m.StartServer(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartServer starts one server by name and records it as runtime-enabled.
// Starting an already-running server is a no-op.
func (m *Manager) StartServer(ctx context.Context, name string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.startServerLocked(ctx, name)
}

func (m *Manager) startServerLocked(ctx context.Context, name string) error {
	sc, ok := m.serverConfig(name)
	if !ok {
		return fmt.Errorf("unknown server: %q", name)
	}

	m.mu.RLock()
	existing := m.sessions[name]
	m.mu.RUnlock()
	if existing != nil && existing.Alive() {
		return nil
	}

	if err := m.store.SetEnabled(name, true); err != nil {
		m.logger.Warn("failed to persist server state", "server", name, "err", err)
	}

	sess := m.newSession(name, sc, m.logger)
	if err := sess.Start(); err != nil {
		m.setNote(name, "error: "+err.Error())
		return fmt.Errorf("start server %q: %w", name, err)
	}
	if err := sess.Initialize(ctx); err != nil {
		// Never leave a session dangling in Started.
		_ = sess.Close()
		m.setNote(name, "error: "+err.Error())
		m.logger.Error("server failed to initialize", "server", name, "err", err)
		return fmt.Errorf("initialize server %q: %w", name, err)
	}

	m.mu.Lock()
	if old := m.sessions[name]; old != nil {
		_ = old.Close()
	}
	m.sessions[name] = sess
	delete(m.notes, name)
	m.mu.Unlock()

	m.logger.Info("server started", "server", name)
	return nil
}

// StopServer stops one server by name and records it as runtime-disabled.
// Stopping an absent or already-stopped server is a no-op.
func (m *Manager) StopServer(name string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.stopServerLocked(name)
}

func (m *Manager) stopServerLocked(name string) error {
	m.mu.Lock()
	_, configured := m.config.Servers[name]
	sess := m.sessions[name]
	delete(m.sessions, name)
	delete(m.notes, name)
	m.mu.Unlock()

	// Only configured servers get a persisted toggle; stopping an unknown
	// name must not plant state for a server configured later.
	if configured {
		if err := m.store.SetEnabled(name, false); err != nil {
			m.logger.Warn("failed to persist server state", "server", name, "err", err)
		}
	}
	if sess == nil {
		return nil
	}

	m.logger.Info("server stopped", "server", name)
	return sess.Close()
}

// RestartServer is stop-then-start.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if err := m.stopServerLocked(name); err != nil {
		return err
	}
	return m.startServerLocked(ctx, name)
}

// StopAll closes every running session and empties the registry.
func (m *Manager) StopAll() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*mcp.Session)
	m.notes = make(map[string]string)
	m.mu.Unlock()

	for name, sess := range sessions {
		if err := sess.Close(); err != nil {
			m.logger.Warn("error closing server", "server", name, "err", err)
		}
	}
}

// GetAllTools lists tools across all initialized sessions. Servers that
// error or expose zero tools are omitted from the map; their outcome is
// recorded in Status notes instead of failing the aggregate.
func (m *Manager) GetAllTools(ctx context.Context) map[string][]mcp.ToolInfo {
	out := make(map[string][]mcp.ToolInfo)
	for name, sess := range m.sessionSnapshot() {
		if sess.State() != mcp.StateInitialized {
			continue
		}
		tools, err := sess.ListTools(ctx)
		if err != nil {
			m.logger.Warn("error querying tools", "server", name, "err", err)
			m.setNote(name, "error querying tools: "+err.Error())
			continue
		}
		tools = m.filterTools(name, tools)
		if len(tools) == 0 {
			m.setNote(name, noteNoTools)
			continue
		}
		m.setNote(name, noteOK)
		out[name] = tools
	}
	return out
}

// CallTool dispatches a call to the named server. If the server process has
// died, exactly one reconnect is attempted before retrying the call once;
// failure after that is terminal.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error) {
	sc, ok := m.serverConfig(server)
	if !ok {
		return nil, fmt.Errorf("unknown server: %q", server)
	}
	if !sc.allowsTool(tool) {
		return nil, fmt.Errorf("tool %q is filtered out on server %q", tool, server)
	}

	m.mu.RLock()
	sess := m.sessions[server]
	m.mu.RUnlock()
	if sess == nil {
		return nil, fmt.Errorf("server %q is not running", server)
	}

	result, err := sess.CallTool(ctx, tool, args)
	if errors.Is(err, mcp.ErrProcessDied) {
		m.logger.Warn("server process died, reconnecting", "server", server)
		if rerr := sess.Reconnect(ctx); rerr != nil {
			return nil, fmt.Errorf("tool execution failed: reconnect %q: %w", server, rerr)
		}
		result, err = sess.CallTool(ctx, tool, args)
	}
	if err != nil {
		return nil, fmt.Errorf("tool execution failed: %w", err)
	}
	return result, nil
}

// Status reports, for every configured server, whether it runs, its most
// recently observed tools, and a human-readable note.
func (m *Manager) Status() map[string]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServerStatus, len(m.config.Servers))
	for name, sc := range m.config.Servers {
		st := ServerStatus{Name: name}
		sess := m.sessions[name]

		switch {
		case sess != nil:
			st.Running = sess.Alive()
			st.State = sess.State()
			st.Tools = sess.Tools()
			if note, ok := m.notes[name]; ok {
				st.Note = note
			} else if len(st.Tools) > 0 {
				st.Note = noteOK
			} else {
				st.Note = noteNoTools
			}
		case sc.Disabled:
			st.Note = "disabled in config"
		case !m.store.Enabled(name):
			st.Note = "stopped (disabled)"
		case m.notes[name] != "":
			st.Note = m.notes[name]
		default:
			st.Note = "stopped"
		}
		out[name] = st
	}
	return out
}

// Reload applies a new configuration: new servers are started (subject to
// the disabled flags), servers no longer configured are stopped, unchanged
// entries keep running.
func (m *Manager) Reload(ctx context.Context, config Config) *ReloadResult {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	result := &ReloadResult{Errors: make(map[string]string)}

	m.mu.Lock()
	old := m.config
	m.config = config
	m.mu.Unlock()

	for name := range old.Servers {
		if _, stillWanted := config.Servers[name]; !stillWanted {
			if err := m.stopServerLocked(name); err != nil {
				result.Errors[name] = err.Error()
				continue
			}
			result.Removed = append(result.Removed, name)
		}
	}

	for name, sc := range config.Servers {
		if _, existed := old.Servers[name]; existed {
			continue
		}
		if sc.Disabled || !m.store.Enabled(name) {
			continue
		}
		if err := m.startServerLocked(ctx, name); err != nil {
			result.Errors[name] = err.Error()
			continue
		}
		result.Added = append(result.Added, name)
	}

	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	return result
}

func (m *Manager) serverConfig(name string) (ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.config.Servers[name]
	return sc, ok
}

func (m *Manager) sessionSnapshot() map[string]*mcp.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]*mcp.Session, len(m.sessions))
	for name, sess := range m.sessions {
		snapshot[name] = sess
	}
	return snapshot
}

func (m *Manager) setNote(name, note string) {
	m.mu.Lock()
	m.notes[name] = note
	m.mu.Unlock()
}

func (m *Manager) filterTools(server string, tools []mcp.ToolInfo) []mcp.ToolInfo {
	sc, ok := m.serverConfig(server)
	if !ok || len(sc.ToolFilter) == 0 {
		return tools
	}
	filtered := make([]mcp.ToolInfo, 0, len(tools))
	for _, t := range tools {
		if sc.allowsTool(t.Name) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}
