//go:build unix

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRecordsHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.lock")
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	l, err := Acquire(path, Info{Namespace: "annika", Version: "1.2.3", StartedAt: started})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer func() { _ = l.Release() }()

	info, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Namespace != "annika" || info.Version != "1.2.3" || !info.StartedAt.Equal(started) {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestSecondAcquireIsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.lock")
	l, err := Acquire(path, Info{Namespace: "annika"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// flock locks belong to the open file, so a second open conflicts even
	// within one process.
	_, err = Acquire(path, Info{Namespace: "annika"})
	if !errors.Is(err, ErrLockBusy) {
		t.Fatalf("second Acquire: got %v, want ErrLockBusy", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	again, err := Acquire(path, Info{Namespace: "annika"})
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	_ = again.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	l, err := Acquire(filepath.Join(t.TempDir(), "sync.lock"), Info{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release: %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	got := DefaultPath("annika")
	if filepath.Base(got) != "plannersync-annika.lock" {
		t.Errorf("DefaultPath = %q", got)
	}
}
