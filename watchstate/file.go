package watchstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore persists watermarks as a JSON file, written atomically via a
// temp file and rename.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed state store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted watermarks. A missing file yields an empty map.
func (s *FileStore) Load(_ context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watchstate: read %s: %w", s.path, err)
	}

	watermarks := map[string]string{}
	if err := json.Unmarshal(data, &watermarks); err != nil {
		return nil, fmt.Errorf("watchstate: parse %s: %w", s.path, err)
	}
	return watermarks, nil
}

// Save replaces the persisted watermarks.
func (s *FileStore) Save(_ context.Context, watermarks map[string]string) error {
	data, err := json.Marshal(watermarks)
	if err != nil {
		return fmt.Errorf("watchstate: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("watchstate: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("watchstate: create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("watchstate: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("watchstate: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("watchstate: close temp: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("watchstate: publish %s: %w", s.path, err)
	}
	return nil
}
