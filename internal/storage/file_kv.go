package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const stateFilename = "state.json"

// FileKV persists entries as a single JSON file under a base directory.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a truncated state file.
type FileKV struct {
	path string

	mu      sync.Mutex
	entries map[string]string
}

// NewFileKV creates the base directory if missing and loads any
// existing state file. A state file that fails to parse is treated as
// absent.
func NewFileKV(baseDir string) (*FileKV, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("storage base dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	kv := &FileKV{
		path:    filepath.Join(baseDir, stateFilename),
		entries: make(map[string]string),
	}
	data, err := os.ReadFile(kv.path)
	if err != nil {
		if os.IsNotExist(err) {
			return kv, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &kv.entries); err != nil {
		kv.entries = make(map[string]string)
	}
	return kv, nil
}

func (f *FileKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok, nil
}

func (f *FileKV) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	return f.flushLocked()
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; !ok {
		return nil
	}
	delete(f.entries, key)
	return f.flushLocked()
}

func (f *FileKV) flushLocked() error {
	data, err := json.Marshal(f.entries)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
