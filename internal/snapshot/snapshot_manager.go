package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize a state value into a JSON snapshot file
// 2. Write atomically (temp file + rename) so a crash never leaves a torn file
// 3. Check the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion is the envelope version written by this package.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// envelope wraps the caller's state on disk.
type envelope struct {
	SchemaVer int             `json:"schema_version"`
	SavedAt   time.Time       `json:"saved_at"`
	Data      json.RawMessage `json:"data"`
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a Manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the snapshot file path.
func (m *Manager) Path() string {
	return m.path
}

// Write stores state atomically.
func (m *Manager) Write(state any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	out, err := json.MarshalIndent(envelope{SchemaVer: SchemaVersion, SavedAt: time.Now().UTC(), Data: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, out, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load decodes the snapshot into state. It reports false, and leaves state
// untouched, when no snapshot exists yet.
func (m *Manager) Load(state any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.SchemaVer != SchemaVersion {
		return false, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	if err := json.Unmarshal(env.Data, state); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return true, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
