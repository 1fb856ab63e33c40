// Package runlock guards a run directory against concurrent orchestrators.
//
// The lock is a JSON record next to the run inputs:
//
//	<dir>/<prefix>.autorun.lock
//
// A lock whose pid is no longer alive on this host is stale and is replaced.
// A lock held on another host is never considered stale.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

// Suffix is appended to the run prefix to name the lock file.
const Suffix = ".autorun.lock"

// ErrHeld is returned when another live process owns the lock.
var ErrHeld = errors.New("run directory is locked")

// Record is the persisted lock content.
type Record struct {
	PID          int       `json:"pid"`
	Host         string    `json:"host"`
	InvocationID string    `json:"invocation_id"`
	Command      string    `json:"command,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// Lock is an acquired run lock.
type Lock struct {
	fs     afero.Fs
	path   string
	record Record
}

// Path returns the lock file path for a run.
func Path(dir, prefix string) string {
	return filepath.Join(dir, prefix+Suffix)
}

// Alive reports whether pid is a live process on this host.
var Alive = isProcessAlive

// pendingGrace is how long an empty or unparsable lock is assumed to be in
// the middle of being written by its creator.
const pendingGrace = 30 * time.Second

// Acquire takes the lock for a run. If a live holder exists the returned
// error wraps ErrHeld and the holder's record is returned.
//
// A fresh lock is created exclusively. A stale lock is first moved aside and
// re-checked, so two processes replacing the same stale lock cannot both win.
func Acquire(fs afero.Fs, dir, prefix string, rec Record) (*Lock, *Record, error) {
	path := Path(dir, prefix)
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	if rec.Host == "" {
		rec.Host, _ = os.Hostname()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create run dir: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := create(fs, path, rec)
		if err == nil {
			return &Lock{fs: fs, path: path, record: rec}, nil, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, nil, err
		}

		existing, err := Read(fs, path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			if pending(fs, path) {
				return nil, nil, fmt.Errorf("%w: %s is being written", ErrHeld, path)
			}
		case existing.PID == rec.PID && existing.Host == rec.Host:
			if err := write(fs, path, rec); err != nil {
				return nil, nil, err
			}
			return &Lock{fs: fs, path: path, record: rec}, nil, nil
		case held(existing, rec.Host):
			return nil, existing, heldError(existing)
		}

		aside := fmt.Sprintf("%s.stale.%d", path, rec.PID)
		if err := fs.Rename(path, aside); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, fmt.Errorf("move stale lock: %w", err)
		}
		moved, _ := Read(fs, aside)
		if moved != nil && (existing == nil || !sameHolder(existing, moved)) {
			// Another process took the lock between the read and the move.
			_ = fs.Rename(aside, path)
			return nil, moved, heldError(moved)
		}
		_ = fs.Remove(aside)
	}
	return nil, nil, fmt.Errorf("%w: %s kept changing while acquiring", ErrHeld, path)
}

// Record returns the lock content.
func (l *Lock) Record() Record { return l.record }

// Release removes the lock file if it is still ours.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	cur, err := Read(l.fs, l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return l.fs.Remove(l.path)
	}
	if cur.PID != l.record.PID || cur.InvocationID != l.record.InvocationID {
		return nil
	}
	if err := l.fs.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// Read loads a lock record.
func Read(fs afero.Fs, path string) (*Record, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("lock file is empty")
	}
	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}

func heldError(rec *Record) error {
	return fmt.Errorf("%w by pid %d on %s since %s", ErrHeld, rec.PID, rec.Host, rec.StartedAt.Format(time.RFC3339))
}

func sameHolder(a, b *Record) bool {
	return a.PID == b.PID && a.Host == b.Host && a.InvocationID == b.InvocationID
}

func pending(fs afero.Fs, path string) bool {
	fi, err := fs.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(fi.ModTime()) < pendingGrace
}

func held(rec *Record, host string) bool {
	if rec.Host != "" && host != "" && rec.Host != host {
		// Cannot signal a remote pid; assume it is still running.
		return true
	}
	return Alive(rec.PID)
}

func marshal(rec Record) ([]byte, error) {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	return append(b, '\n'), nil
}

// create writes a new lock file, failing with os.ErrExist if one is present.
func create(fs afero.Fs, path string, rec Record) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = fs.Remove(path)
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(path)
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

func write(fs afero.Fs, path string, rec Record) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(fs, dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = fs.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp lock file: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename lock file: %w", err)
	}
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
