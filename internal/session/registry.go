package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// RegistryFileName is the host-level map from working directory to session directory.
const RegistryFileName = "current_sessions.json"

// Registry resolves "the session for this directory". Writes are last-writer-wins.
type Registry interface {
	Lookup(cwd string) (sessionDir string, ok bool, err error)
	Register(cwd, sessionDir string) error
}

// FileRegistry is a Registry persisted as a single JSON object.
type FileRegistry struct {
	Path string
}

// NewFileRegistry returns a registry stored in dir/current_sessions.json.
func NewFileRegistry(dir string) *FileRegistry {
	return &FileRegistry{Path: filepath.Join(dir, RegistryFileName)}
}

// Lookup returns the session directory registered for cwd. Entries pointing
// at directories that no longer exist are reported as absent.
func (r *FileRegistry) Lookup(cwd string) (string, bool, error) {
	m, err := r.read()
	if err != nil {
		return "", false, err
	}
	dir, ok := m[normalizePath(cwd)]
	if !ok || dir == "" {
		return "", false, nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", false, nil
	}
	return dir, true, nil
}

// Register maps cwd to sessionDir. A corrupt registry file is replaced.
func (r *FileRegistry) Register(cwd, sessionDir string) error {
	m, err := r.read()
	if err != nil {
		m = map[string]string{}
	}
	m[normalizePath(cwd)] = sessionDir

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	return writeFileAtomic(r.Path, data)
}

// Entries returns a copy of the whole map.
func (r *FileRegistry) Entries() (map[string]string, error) {
	return r.read()
}

func (r *FileRegistry) read() (map[string]string, error) {
	data, err := os.ReadFile(r.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	m := map[string]string{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", r.Path, err)
	}
	return m, nil
}
