package status

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps records in memory and writes them to a YAML document on
// Flush. The document is replaced atomically so a crash mid-write leaves the
// previous version intact.
type FileStore struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
	dirty   bool
}

var _ Store = (*FileStore)(nil)

type fileDocument struct {
	Tasks map[string]Record `yaml:"tasks"`
}

// NewFileStore loads path if it exists. A missing file is an empty store.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		records: make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse status file %s: %w", path, err)
	}
	for name, rec := range doc.Tasks {
		if !rec.Status.Valid() {
			return nil, fmt.Errorf("status file %s: task %s has unknown status %q", path, name, rec.Status)
		}
		s.records[name] = rec
	}

	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(_ context.Context, name string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	return rec, ok, nil
}

func (s *FileStore) Set(_ context.Context, name string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = rec
	s.dirty = true
	return nil
}

func (s *FileStore) All(_ context.Context) (map[string]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for name, rec := range s.records {
		out[name] = rec
	}
	return out, nil
}

// Flush writes the document if anything changed since the last flush.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	data, err := yaml.Marshal(fileDocument{Tasks: s.records})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}

	s.dirty = false
	return nil
}

// Close flushes pending changes.
func (s *FileStore) Close() error {
	return s.Flush(context.Background())
}

// writeFileAtomic writes data to a temp file next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write status: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close status file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace status file: %w", err)
	}
	return nil
}
