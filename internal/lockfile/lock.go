// Package lockfile keeps a second sync service on the same host from running
// against the same Redis namespace. The lock is an advisory flock on a file
// holding the owner's details; the kernel drops it when the process exits.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockBusy is returned when another process holds the lock.
var ErrLockBusy = errors.New("lock held by another process")

// Info is recorded in a held lock file.
type Info struct {
	PID       int       `json:"pid"`
	Namespace string    `json:"namespace"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held lock.
type Lock struct {
	f    *os.File
	path string
}

// DefaultPath is the lock file for namespace under the temp directory.
func DefaultPath(namespace string) string {
	return filepath.Join(os.TempDir(), "plannersync-"+namespace+".lock")
}

// Acquire takes the lock at path without waiting and records info in it.
// When the lock is busy the error wraps ErrLockBusy and names the holder if
// the file can be read.
func Acquire(path string, info Info) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if !errors.Is(err, ErrLockBusy) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if held, rerr := Read(path); rerr == nil && held.PID > 0 {
			return nil, fmt.Errorf("%w: pid %d (namespace %s) since %s", ErrLockBusy, held.PID, held.Namespace, held.StartedAt.Format(time.RFC3339))
		}
		return nil, ErrLockBusy
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	data, err := json.Marshal(info)
	if err == nil {
		if err = f.Truncate(0); err == nil {
			_, err = f.WriteAt(data, 0)
		}
	}
	if err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write lock %s: %w", path, err)
	}
	return &Lock{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. The file stays behind, emptied; removing it would
// let a waiting process lock an unlinked inode.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := flockUnlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Read returns the details recorded in a lock file.
func Read(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock %s: %w", path, err)
	}
	return &info, nil
}
