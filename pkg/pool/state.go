package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// StateStore persists the user-driven enabled/disabled toggle per server
// name, independent of the config file's disabled flag. Unknown names
// default to enabled.
type StateStore interface {
	Enabled(name string) bool
	SetEnabled(name string, enabled bool) error
}

const stateLockTimeout = 2 * time.Second

// FileStateStore is a StateStore backed by a small JSON document. A file
// lock guards the read-modify-write cycle so multiple processes can share
// the file.
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a store persisting to the given path. The file
// and its parent directory are created lazily on first write.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

type stateDoc struct {
	Servers map[string]bool `json:"servers"` // name → enabled
}

// Enabled reports the persisted toggle for a server name.
func (s *FileStateStore) Enabled(name string) bool {
	doc, err := s.load()
	if err != nil {
		return true
	}
	enabled, ok := doc.Servers[name]
	if !ok {
		return true
	}
	return enabled
}

// SetEnabled persists the toggle for a server name.
func (s *FileStateStore) SetEnabled(name string, enabled bool) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	fl := flock.New(s.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), stateLockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock state file: timeout")
	}
	defer fl.Unlock()

	doc, err := s.load()
	if err != nil {
		doc = &stateDoc{}
	}
	if doc.Servers == nil {
		doc.Servers = make(map[string]bool)
	}
	doc.Servers[name] = enabled

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func (s *FileStateStore) load() (*stateDoc, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// MemStateStore is an in-memory StateStore for tests and callers that do
// not need persistence.
type MemStateStore struct {
	mu      sync.Mutex
	servers map[string]bool
}

func NewMemStateStore() *MemStateStore {
	return &MemStateStore{servers: make(map[string]bool)}
}

func (s *MemStateStore) Enabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, ok := s.servers[name]
	if !ok {
		return true
	}
	return enabled
}

func (s *MemStateStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[name] = enabled
	return nil
}
