// Package daemon tracks the background sitedit server through a small JSON
// record in the state directory.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotRunning is returned when no live server owns the record.
var ErrNotRunning = errors.New("server is not running")

// State describes a running server.
type State struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	SiteDir   string    `json:"siteDir"`
	LogPath   string    `json:"logPath,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Record is the on-disk server record.
type Record struct {
	Path string
}

// NewRecord returns a record stored at path.
func NewRecord(path string) *Record {
	return &Record{Path: path}
}

// Save writes st, creating the parent directory.
func (r *Record) Save(st State) error {
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return fmt.Errorf("save server record: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("save server record: %w", err)
	}
	tmp := r.Path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("save server record: %w", err)
	}
	return os.Rename(tmp, r.Path)
}

// Load reads the record. A missing record yields ErrNotRunning.
func (r *Record) Load() (State, error) {
	var st State
	data, err := os.ReadFile(r.Path)
	if errors.Is(err, os.ErrNotExist) {
		return st, ErrNotRunning
	}
	if err != nil {
		return st, fmt.Errorf("read server record: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("invalid server record %s: %w", r.Path, err)
	}
	if st.PID <= 0 {
		return st, fmt.Errorf("invalid server record %s: pid %d", r.Path, st.PID)
	}
	return st, nil
}

// Running returns the recorded state when its process is alive.
func (r *Record) Running() (State, bool) {
	st, err := r.Load()
	if err != nil {
		return st, false
	}
	return st, processAlive(st.PID)
}

// Acquire saves st unless another live process owns the record. A stale
// record left by a crashed server is replaced.
func (r *Record) Acquire(st State) error {
	if cur, ok := r.Running(); ok && cur.PID != st.PID {
		return fmt.Errorf("server already running (pid %d, port %d)", cur.PID, cur.Port)
	}
	return r.Save(st)
}

// Release removes the record if it still belongs to pid.
func (r *Record) Release(pid int) error {
	st, err := r.Load()
	if err != nil || st.PID != pid {
		return nil
	}
	return r.Remove()
}

// Remove deletes the record.
func (r *Record) Remove() error {
	err := os.Remove(r.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Stop asks the recorded server to exit and waits up to grace for it,
// killing it afterwards. The returned bool reports whether a kill was needed.
func (r *Record) Stop(grace time.Duration) (bool, error) {
	st, ok := r.Running()
	if !ok {
		_ = r.Remove()
		return false, ErrNotRunning
	}
	if err := terminate(st.PID); err != nil {
		return false, fmt.Errorf("signal server %d: %w", st.PID, err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(st.PID) {
			return false, r.Remove()
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := kill(st.PID); err != nil {
		return true, fmt.Errorf("kill server %d: %w", st.PID, err)
	}
	return true, r.Remove()
}
