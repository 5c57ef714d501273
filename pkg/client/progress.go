package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ProgressStore is the durable client-side record of pending transfers,
// one JSON document per process namespace. Every mutation rewrites the
// whole file from the caller's current in-memory map, so asynchronous
// writers can never interleave partial updates.
type ProgressStore struct {
	mu   sync.Mutex
	path string
}

// DefaultProgressPath is the per-user location of the progress file.
func DefaultProgressPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".uplink/uploads.json"
	}
	return filepath.Join(home, ".uplink", "uploads.json")
}

func NewProgressStore(path string) *ProgressStore {
	if path == "" {
		path = DefaultProgressPath()
	}
	return &ProgressStore{path: path}
}

// Load reads every pending transfer record. A missing file is an empty
// store, not an error.
func (p *ProgressStore) Load() (map[string]*UploadState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*UploadState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}

	states := map[string]*UploadState{}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("decode progress file: %w", err)
	}
	return states, nil
}

// Save rewrites the progress file from states via temp file + rename so
// a crash mid-write never leaves a corrupt record.
func (p *ProgressStore) Save(states map[string]*UploadState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create progress directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".uploads-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}
