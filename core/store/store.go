// Package store persists the shared document as a single JSON file with
// optimistic concurrency. Two independent processes write through it; safety
// comes from the version compare-and-swap plus atomic rename, not file locks.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store reads and writes one JSON document at a fixed path.
type Store struct {
	path string

	// serializes in-process writers; cross-process races are caught by the
	// version check against the freshly re-read file.
	mu sync.Mutex
}

// Open returns a store for path. The file is created lazily on first write;
// a missing file reads as an empty document at version zero.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Read parses the file fresh and returns a private copy. A missing file is
// an empty document; unparseable content is a CorruptError.
func (s *Store) Read() (*Document, error) {
	return s.load()
}

func (s *Store) load() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	doc := NewDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, &CorruptError{Path: s.path, Err: err}
	}
	doc.init()
	return doc, nil
}

// Write re-reads the file, verifies it is still at expectedVersion, applies
// mutate to the fresh document, bumps the version and persists atomically.
// On version mismatch it returns a ConflictError and leaves the file
// untouched; a mutate error likewise aborts without writing.
func (s *Store) Write(expectedVersion uint64, mutate func(*Document) error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	if doc.Version != expectedVersion {
		return 0, &ConflictError{Expected: expectedVersion, Current: doc.Version}
	}
	if err := mutate(doc); err != nil {
		return 0, err
	}
	doc.Version++
	if err := s.persist(doc); err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// persist marshals and swaps the file in place. The temp file lives in the
// same directory so the rename stays on one filesystem.
func (s *Store) persist(doc *Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("store: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
