// Package lockfile guards the replica root against concurrent replicat
// instances. Two daemons mirroring into the same replica would fight each
// other's passes, so the first instance drops a lock file into the replica
// root and refreshes it with a heartbeat; later instances refuse to start
// while the lock is fresh and take over once it has gone stale.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/replicat-io/replicat/pkg/plog"
)

// LockFileName is the name of the lock file created in the replica root.
// The '~' prefix marks it as temporary. The mirror core excludes it from
// pruning.
const LockFileName = ".~replicat.lock"

// Content defines the structure of the data written to the lock file.
type Content struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquiredAt"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ErrLockActive is a structured error returned when a lock is already held by
// another process.
type ErrLockActive struct {
	PID       int
	Hostname  string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("replica is locked by PID %d on host '%s', last updated %s ago",
		e.PID, e.Hostname, e.TimeSince.Truncate(time.Second))
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 30 * time.Second
	// staleTimeout is defined in relation to the heartbeat to ensure a safe margin.
	staleTimeout = 4 * heartbeatInterval
)

// Lock manages the state of the acquired lock file.
type Lock struct {
	path   string
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	held bool
}

// Acquire attempts to acquire the lock in dirPath.
// It returns (nil, *ErrLockActive) if another live process holds the lock.
// A stale lock (no heartbeat for staleTimeout) is removed and re-acquired.
func Acquire(ctx context.Context, dirPath string) (*Lock, error) {
	path := filepath.Join(dirPath, LockFileName)

	// A stale lock gives us exactly one extra attempt after removing it.
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := tryAcquire(path)
		if err == nil {
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}

		content, readErr := readContent(path)
		if readErr != nil {
			// Unreadable or corrupt lock files are treated as stale.
			plog.Warn("Found unreadable lock file, treating as stale", "path", path, "error", readErr)
		} else if since := time.Since(content.LastUpdate); since < staleTimeout {
			return nil, &ErrLockActive{PID: content.PID, Hostname: content.Hostname, TimeSince: since}
		} else {
			plog.Warn("Taking over stale lock", "path", path, "pid", content.PID, "staleFor", since.Truncate(time.Second))
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock file %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("failed to acquire lock in %s: lost takeover race", dirPath)
}

// tryAcquire performs the atomic O_EXCL creation of the lock file and starts
// the heartbeat on success.
func tryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	now := time.Now()
	content := Content{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: now,
		LastUpdate: now,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(content); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock content: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close lock file: %w", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	lock := &Lock{
		path:   path,
		cancel: cancel,
		done:   make(chan struct{}),
		held:   true,
	}
	go lock.heartbeat(hbCtx, content)
	return lock, nil
}

// heartbeat periodically rewrites the lock file so other instances can tell
// this one is alive.
func (l *Lock) heartbeat(ctx context.Context, content Content) {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			content.LastUpdate = time.Now()
			data, err := json.MarshalIndent(content, "", "  ")
			if err != nil {
				continue
			}
			if err := os.WriteFile(l.path, data, 0644); err != nil {
				plog.Warn("Failed to refresh lock file heartbeat", "path", l.path, "error", err)
			}
		}
	}
}

// Release stops the heartbeat and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false

	l.cancel()
	<-l.done

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	return nil
}

// readContent reads and decodes the lock file.
func readContent(path string) (Content, error) {
	var content Content
	data, err := os.ReadFile(path)
	if err != nil {
		return content, err
	}
	if len(data) == 0 {
		return content, errors.New("lock file is empty")
	}
	if err := json.Unmarshal(data, &content); err != nil {
		return content, fmt.Errorf("lock file is corrupt: %w", err)
	}
	return content, nil
}
