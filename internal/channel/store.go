package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store is the persistence abstraction for the catalog.
// Implementations can be in-memory or file-based. The Registry writes the
// full catalog on every mutation; callers of Registry do not need to know
// which Store is used.
type Store interface {
	// Load returns the persisted catalog. A missing catalog is reported as an
	// error matching fs.ErrNotExist.
	Load() ([]Channel, error)
	// Save replaces the persisted catalog.
	Save(channels []Channel) error
	// Clear removes the persisted catalog.
	Clear() error
}

// persisted strips derived fields before a record is written.
func persisted(channels []Channel) []Channel {
	out := make([]Channel, len(channels))
	for i, c := range channels {
		c = c.clone()
		c.SessionURL = ""
		if c.Headers == nil {
			c.Headers = Headers{}
		}
		out[i] = c
	}
	return out
}

// FileStore keeps the catalog as a JSON array in a single file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The parent directory is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the catalog file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store.Load.
func (s *FileStore) Load() ([]Channel, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var channels []Channel
	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return channels, nil
}

// Save implements Store.Save. The file is replaced atomically.
func (s *FileStore) Save(channels []Channel) error {
	data, err := json.MarshalIndent(persisted(channels), "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".channels-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Clear implements Store.Clear. Clearing a missing file is not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.Mutex
	channels []Channel
	present  bool
	saves    int
}

// NewMemoryStore returns an empty store; Load reports fs.ErrNotExist until
// the first Save.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.Load.
func (s *MemoryStore) Load() ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return nil, fs.ErrNotExist
	}
	return persisted(s.channels), nil
}

// Save implements Store.Save.
func (s *MemoryStore) Save(channels []Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = persisted(channels)
	s.present = true
	s.saves++
	return nil
}

// Clear implements Store.Clear.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = nil
	s.present = false
	return nil
}

// Saves returns how many times Save has been called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
