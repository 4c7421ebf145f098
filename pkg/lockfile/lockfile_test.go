package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	path := filepath.Join(dir, LockFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("lock file not written: %v", err)
	}
	var content Content
	if err := json.Unmarshal(data, &content); err != nil {
		t.Fatalf("lock file content is not valid JSON: %v", err)
	}
	if content.PID != os.Getpid() {
		t.Errorf("lock PID = %d, want %d", content.PID, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after Release, stat err = %v", err)
	}

	// Release is idempotent.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
}

func TestAcquireFailsWhileHeld(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	_, err = Acquire(context.Background(), dir)
	var active *ErrLockActive
	if !errors.As(err, &active) {
		t.Fatalf("expected *ErrLockActive, got %v", err)
	}
	if active.PID != os.Getpid() {
		t.Errorf("ErrLockActive.PID = %d, want %d", active.PID, os.Getpid())
	}
}

func TestAcquireTakesOverStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	stale := Content{
		PID:        12345,
		Hostname:   "elsewhere",
		AcquiredAt: time.Now().Add(-time.Hour),
		LastUpdate: time.Now().Add(-time.Hour),
	}
	data, err := json.Marshal(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("Acquire should take over a stale lock, got %v", err)
	}
	defer lock.Release()

	content, err := readContent(path)
	if err != nil {
		t.Fatalf("readContent: %v", err)
	}
	if content.PID != os.Getpid() {
		t.Errorf("lock not taken over: PID = %d, want %d", content.PID, os.Getpid())
	}
}

func TestAcquireTakesOverCorruptLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("Acquire should take over a corrupt lock, got %v", err)
	}
	lock.Release()
}
