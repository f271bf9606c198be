package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"
)

const (
	// statsVersion is bumped when the schema changes.
	statsVersion = 1

	statsFileName = "stats.json"
	appDirName    = "agentstream"
)

// Stats is the persistent aggregate data derived from session lifecycle
// events. It is saved to ~/.local/state/agentstream/stats.json (respecting
// XDG_STATE_HOME).
type Stats struct {
	Version int `json:"version"`

	TotalSessions          int `json:"total_sessions"`
	TotalTurns             int `json:"total_turns"`
	TotalInputRequests     int `json:"total_input_requests"`
	TotalCompletions       int `json:"total_completions"`
	TotalErrors            int `json:"total_errors"`
	ConsecutiveCompletions int `json:"consecutive_completions"`

	SessionsPerEngine map[string]int `json:"sessions_per_engine"`

	// Peak metrics (all-time highs)
	MaxConcurrentActive   int     `json:"max_concurrent_active"`
	MaxTurnsPerSession    int     `json:"max_turns_per_session"`
	MaxSessionDurationSec float64 `json:"max_session_duration_sec"`

	LastUpdated time.Time `json:"last_updated"`
}

// Store handles loading and saving Stats to disk.
type Store struct {
	dir string // directory containing stats.json
}

// NewStore creates a Store that reads and writes stats in dir. An empty dir
// selects the default XDG state path.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultStatsDir()
	}
	return &Store{dir: dir}
}

// Path returns the full path to the stats file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, statsFileName)
}

// Load reads the stats file. A missing file yields fresh Stats.
func (s *Store) Load() (*Stats, error) {
	data, err := os.ReadFile(s.Path())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newStats(), nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.Path(), err)
	}

	st := newStats()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path(), err)
	}
	if st.SessionsPerEngine == nil {
		st.SessionsPerEngine = make(map[string]int)
	}
	return st, nil
}

// Save stamps st and replaces the stats file with it. Readers never see a
// partially written file.
func (s *Store) Save(st *Stats) error {
	st.Version = statsVersion
	st.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("stats dir: %w", err)
	}
	return replaceFile(s.Path(), append(data, '\n'))
}

// replaceFile writes data next to path and renames it into place.
func replaceFile(path string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".stats-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func newStats() *Stats {
	return &Stats{
		Version:           statsVersion,
		SessionsPerEngine: make(map[string]int),
	}
}

func (st *Stats) clone() *Stats {
	cp := *st
	cp.SessionsPerEngine = maps.Clone(st.SessionsPerEngine)
	return &cp
}

// defaultStatsDir returns ~/.local/state/agentstream, respecting
// XDG_STATE_HOME if set.
func defaultStatsDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
