// Package tokenstore persists the bearer token between runs. Absence of a
// stored token means unauthenticated at boot.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoToken reports that no token is currently persisted.
var ErrNoToken = errors.New("tokenstore: no token")

// Store holds at most one opaque bearer token.
type Store interface {
	// Load returns the persisted token, or ErrNoToken.
	Load() (string, error)
	// Save persists the token, replacing any previous one.
	Save(token string) error
	// Clear removes the persisted token. Clearing an empty store is a no-op.
	Clear() error
}

// Memory keeps the token in-process; for tests and ephemeral sessions.
type Memory struct {
	mu  sync.RWMutex
	tok string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tok == "" {
		return "", ErrNoToken
	}
	return m.tok, nil
}

func (m *Memory) Save(token string) error {
	m.mu.Lock()
	m.tok = token
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	m.tok = ""
	m.mu.Unlock()
	return nil
}

type tokenFile struct {
	Token string `json:"token"`
}

// File persists the token as a small JSON file, by default under the user's
// config directory.
type File struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*File)(nil)

// NewFile creates a file-backed store. An empty path selects DefaultPath.
func NewFile(path string) *File {
	if path == "" {
		path = DefaultPath()
	}
	return &File{path: path}
}

// DefaultPath is $XDG_CONFIG_HOME/shopsync/token.json, falling back to
// ~/.config/shopsync/token.json.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "shopsync", "token.json")
}

func (f *File) Load() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("tokenstore: read %s: %w", f.path, err)
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", fmt.Errorf("tokenstore: parse %s: %w", f.path, err)
	}
	if tf.Token == "" {
		return "", ErrNoToken
	}
	return tf.Token, nil
}

func (f *File) Save(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("tokenstore: mkdir: %w", err)
	}
	b, err := json.Marshal(tokenFile{Token: token})
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.path, b, 0o600); err != nil {
		return fmt.Errorf("tokenstore: write %s: %w", f.path, err)
	}
	return nil
}

func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tokenstore: remove %s: %w", f.path, err)
	}
	return nil
}
