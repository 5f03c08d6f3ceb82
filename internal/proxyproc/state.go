package proxyproc

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// state survives restarts of copilotctl so a proxy started by a previous run can still be
// reported and stopped.
type state struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Command   string    `json:"command,omitempty"`
	LogFile   string    `json:"log_file,omitempty"`
	StartedAt time.Time `json:"started_at"`
	LastError string    `json:"last_error,omitempty"`
}

func defaultStatePath() string {
	base := os.Getenv("LOCALAPPDATA")
	if base == "" {
		if d, err := os.UserConfigDir(); err == nil && d != "" {
			base = d
		}
	}
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "copilotctl", "proxy-state.json")
}

func loadState(path string) (*state, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s state
	if err = json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func saveState(path string, s *state) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
