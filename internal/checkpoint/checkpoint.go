// Package checkpoint persists batch progress so an interrupted run can
// resume without redoing finished schools.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SchoolRef identifies a processed school by name and state.
type SchoolRef struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Snapshot is the full progress picture written on every update. Writing
// the whole snapshot each time keeps the file valid even if only the last
// write survives.
type Snapshot struct {
	RunID            string      `json:"run_id"`
	State            string      `json:"state"`
	Processed        int         `json:"processed"`
	ProcessedSchools []SchoolRef `json:"processed_schools"`
	LastUpdated      time.Time   `json:"last_updated"`
	Completed        bool        `json:"completed"`
}

// Identities returns the "name|state" keys of processed schools.
func (s Snapshot) Identities() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.ProcessedSchools))
	for _, ref := range s.ProcessedSchools {
		key := strings.ToLower(strings.TrimSpace(ref.Name)) + "|" + strings.ToUpper(strings.TrimSpace(ref.State))
		ids[key] = struct{}{}
	}
	return ids
}

// File reads and writes snapshots at a fixed path. Saves go through a temp
// file and rename, so readers never observe a partial snapshot.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a checkpoint file handle for path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Load reads the current snapshot. A missing file returns ok=false with no
// error.
func (f *File) Load() (Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return snap, true, nil
}

// Save writes the snapshot atomically, stamping LastUpdated.
func (f *File) Save(snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}
