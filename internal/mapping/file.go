// ABOUTME: JSON file snapshot backend for contact mappings
// ABOUTME: Rewrites the whole file atomically via temp file and rename

package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileSnapshot stores mappings as a JSON array in a single file.
type FileSnapshot struct {
	path string
}

// NewFileSnapshot creates a snapshot backed by path. Parent directories are
// created on the first save.
func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

// Path returns the snapshot file location.
func (f *FileSnapshot) Path() string {
	return f.path
}

// Load reads the snapshot. A missing file is an empty store.
func (f *FileSnapshot) Load(_ context.Context) ([]Mapping, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mappings file: %w", err)
	}

	var mappings []Mapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("parsing mappings file %s: %w", f.path, err)
	}
	return mappings, nil
}

// Save writes mappings to a temp file next to the snapshot and renames it
// into place, so a crash never leaves a half-written file.
func (f *FileSnapshot) Save(_ context.Context, mappings []Mapping) error {
	if mappings == nil {
		mappings = []Mapping{}
	}
	data, err := json.MarshalIndent(mappings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mappings: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating mappings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mappings-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replacing mappings file: %w", err)
	}
	return nil
}

// Close is a no-op for file snapshots.
func (f *FileSnapshot) Close() error {
	return nil
}
