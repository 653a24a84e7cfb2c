// Package snapshot persists the last KPI snapshot so a restarted dashboard
// can show the previous tables until fresh data arrives.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
)

const (
	// fileVersion is bumped when the on-disk layout changes.
	fileVersion = 1

	fileName   = "snapshot.json"
	appDirName = "kpiboard"
)

// File is the on-disk form of a snapshot.
type File struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"savedAt"`
	Devices []kpi.DeviceKPI `json:"devices"`
}

// Store loads and saves the snapshot file in one directory.
type Store struct {
	dir string
}

// NewStore creates a Store for dir. The directory is created on the first
// Save. An empty dir selects $XDG_STATE_HOME/kpiboard (or
// ~/.local/state/kpiboard).
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultDir()
	}
	return &Store{dir: dir}
}

// Path returns the full path of the snapshot file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, fileName)
}

// Load reads the saved snapshot. A missing file is not an error: it returns
// nil with ok false.
func (s *Store) Load() (f *File, ok bool, err error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading snapshot: %w", err)
	}

	var out File
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("parsing snapshot: %w", err)
	}
	if out.Version > fileVersion {
		return nil, false, fmt.Errorf("snapshot version %d is newer than supported %d", out.Version, fileVersion)
	}
	return &out, true, nil
}

// Save writes devices using an atomic temp-file-then-rename.
func (s *Store) Save(devices []kpi.DeviceKPI) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	if devices == nil {
		devices = []kpi.DeviceKPI{}
	}
	data, err := json.MarshalIndent(File{
		Version: fileVersion,
		SavedAt: time.Now().UTC(),
		Devices: devices,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	committed = true

	return nil
}

// defaultDir returns ~/.local/state/kpiboard, respecting XDG_STATE_HOME.
func defaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
