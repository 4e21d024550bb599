// Package artifacts stores verification screenshots on disk, keyed by task
// id, and prunes them once they age out. Only references travel through the
// document store; blobs stay here.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store writes and serves artifact files under one directory.
type Store struct {
	dir string
	now func() time.Time
}

// Options tunes the store.
type Options struct {
	Now func() time.Time
}

// Open prepares the artifact directory.
func Open(dir string, opts Options) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifacts: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create dir: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{dir: dir, now: now}, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string { return s.dir }

// Put persists one screenshot and returns its reference, the bare file
// name. The write goes through a temp file and rename so readers never see
// partial images.
func (s *Store) Put(taskID string, data []byte) (string, error) {
	if strings.TrimSpace(taskID) == "" {
		return "", fmt.Errorf("artifacts: empty task id")
	}
	ref := fmt.Sprintf("%s-%s.png", sanitizeRef(taskID), s.now().UTC().Format("20060102-150405"))

	tmp, err := os.CreateTemp(s.dir, ref+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("artifacts: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("artifacts: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("artifacts: close: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, ref)); err != nil {
		return "", fmt.Errorf("artifacts: rename: %w", err)
	}
	return ref, nil
}

// Path resolves a reference to an absolute file path. References that try
// to escape the directory are rejected.
func (s *Store) Path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("artifacts: invalid ref %q", ref)
	}
	path := filepath.Join(s.dir, ref)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("artifacts: %s: %w", ref, err)
	}
	return path, nil
}

// Open returns the artifact content.
func (s *Store) Open(ref string) ([]byte, error) {
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// CleanOnce removes artifacts older than maxAge and reports how many went.
func (s *Store) CleanOnce(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("artifacts: read dir: %w", err)
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func sanitizeRef(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
