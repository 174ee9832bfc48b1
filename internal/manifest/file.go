// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/docbatch/internal/layout"
	"github.com/pdiddy/docbatch/pkg/types"
)

// FileStore keeps the manifest as a single YAML file.
type FileStore struct {
	path string
	mu   sync.Mutex

	// writeFile persists the encoded manifest. Tests substitute it to
	// simulate a crash mid-save.
	writeFile func(path string, data []byte, perm os.FileMode) error
}

// NewFileStore returns a store backed by the YAML file at path. The file is
// created on the first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, writeFile: layout.WriteFileAtomic}
}

// Path returns the manifest file location.
func (s *FileStore) Path() string { return s.path }

// Close is a no-op; FileStore holds no open handles between calls.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) Load(_ context.Context) (*types.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) Save(_ context.Context, m *types.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(m)
}

func (s *FileStore) Upsert(_ context.Context, rec types.DocumentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	m.Upsert(rec)
	return s.save(m)
}

func (s *FileStore) Get(_ context.Context, name string) (types.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return types.DocumentRecord{}, err
	}
	rec, ok := m.Get(name)
	if !ok {
		return types.DocumentRecord{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return rec, nil
}

func (s *FileStore) Update(_ context.Context, name string, fn func(*types.DocumentRecord) error) (types.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return types.DocumentRecord{}, err
	}
	i := m.Find(name)
	if i < 0 {
		return types.DocumentRecord{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	cur := m.Documents[i]
	next, changed, err := applyUpdate(cur, fn)
	if err != nil || !changed {
		return next, err
	}
	m.Documents[i] = next
	if err := s.save(m); err != nil {
		return cur, err
	}
	return next, nil
}

func (s *FileStore) load() (*types.Manifest, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &types.Manifest{}, nil
	}
	if err != nil {
		return nil, &types.LocalIOError{Op: "reading manifest", Path: s.path, Err: err}
	}
	var m types.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", s.path, err)
	}
	return &m, nil
}

func (s *FileStore) save(m *types.Manifest) error {
	if m.Documents == nil {
		m.Documents = []types.DocumentRecord{}
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := s.writeFile(s.path, data, 0o644); err != nil {
		return &types.LocalIOError{Op: "writing manifest", Path: s.path, Err: err}
	}
	return nil
}
