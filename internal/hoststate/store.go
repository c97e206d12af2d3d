// Package hoststate implements the durable per-host state store backing
// cookies, conditional-request validators, and failure statistics.
package hoststate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
)

// Store is a file-backed fetch.StateStore. The whole host map is read once
// at startup and flushed with write-to-temp-then-rename semantics so a
// crash mid-write never corrupts previously saved state.
type Store struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*fetch.HostState
	blobs  map[string]json.RawMessage
	dirty  bool
}

// New opens (or initializes) the store at path.
func New(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   path,
		logger: logger,
		states: make(map[string]*fetch.HostState),
		blobs:  make(map[string]json.RawMessage),
	}
	if err := s.read(); err != nil {
		return nil, err
	}
	return s, nil
}

// read loads the persisted file. An unreadable file or an unreadable host
// entry is discarded and reinitialized; neither is fatal to the run.
func (s *Store) read() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state file %s: %w", s.path, err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("state file corrupt, reinitializing",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return nil
	}
	for host, entry := range entries {
		state := fetch.NewHostState(host)
		if err := json.Unmarshal(entry, state); err != nil {
			s.logger.Warn("host state corrupt, reinitializing host",
				zap.String("host", host),
				zap.Error(err),
			)
			continue
		}
		if state.Host == "" {
			state.Host = host
		}
		s.states[host] = state
		s.blobs[host] = entry
	}
	return nil
}

// Load returns the state for a host, creating an empty one if absent.
func (s *Store) Load(host string) (*fetch.HostState, error) {
	if host == "" {
		return nil, fmt.Errorf("host is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[host]
	if !ok {
		state = fetch.NewHostState(host)
		s.states[host] = state
	}
	return state, nil
}

// Save persists a host's state durably. The state is serialized here,
// while the calling goroutine still owns it, so a flush triggered by
// another host never reads live fields.
func (s *Store) Save(host string, state *fetch.HostState) error {
	if host == "" || state == nil {
		return fmt.Errorf("host and state are required")
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal host state %q: %w", host, err)
	}
	s.mu.Lock()
	s.states[host] = state
	s.blobs[host] = blob
	s.dirty = true
	s.mu.Unlock()
	return s.Flush()
}

// RecordDecision notes how the last fetch for a host was resolved. The
// mutation is flushed with the next Save or Flush.
func (s *Store) RecordDecision(host string, kind fetch.DecisionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[host]
	if !ok {
		state = fetch.NewHostState(host)
		s.states[host] = state
	}
	state.LastDecision = kind
	blob, err := json.Marshal(state)
	if err != nil {
		s.logger.Warn("marshal host state failed, decision not persisted",
			zap.String("host", host),
			zap.Error(err),
		)
		return
	}
	s.blobs[host] = blob
	s.dirty = true
}

// Flush writes the host map to disk if anything changed since the last
// flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// persistLocked writes the serialized snapshots, never the live states.
// Host goroutines keep mutating their own *HostState between Save calls;
// only the blobs captured under each host's Save are safe to read here.
func (s *Store) persistLocked() error {
	payload, err := json.MarshalIndent(s.blobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal host states: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
