// Package mirror implements the synchronization pass: a tree diff between a
// source directory and a replica directory, reconciled so that after the pass
// the replica contains exactly the files and directories present in the
// source, with matching content, and nothing else.
//
// A pass is two sequential walks. The reconcile walk goes top-down over the
// source and creates or refreshes every entry in the replica. The prune walk
// goes bottom-up over the replica and removes everything the source no longer
// has. Each pass is stateless: it is a pure function of the current
// filesystem state plus the event sink, so passes are idempotent on an
// unchanged source.
//
// Change detection is modification-timestamp equality, not content hashing.
// A source file touched without a content change is re-copied; a content
// change that preserves the timestamp is missed.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/replicat-io/replicat/pkg/journal"
	"github.com/replicat-io/replicat/pkg/lockfile"
	"github.com/replicat-io/replicat/pkg/metrics"
)

// Archiver stores a copy of a replica file before the pruner deletes it.
// Implementations must be side-effect free with respect to the replica tree.
type Archiver interface {
	Archive(absPath, relPath string) error
}

// Syncer performs one-way mirroring from Source onto Replica. It holds no
// state between passes; a fresh Syncer per pass and a reused one behave
// identically.
type Syncer struct {
	Source  string
	Replica string
	Journal journal.Sink
	Metrics metrics.Counters

	// Archiver, when non-nil, receives every file the pruner is about to
	// delete. An archiver failure aborts the pass so no file is lost
	// unarchived.
	Archiver Archiver

	// DryRun logs planned actions without mutating the replica and without
	// journaling events.
	DryRun bool

	// Now supplies event timestamps; defaults to time.Now.
	Now func() time.Time
}

// New returns a Syncer with default metrics and clock. The journal sink is
// required; pass journal.Discard to suppress events.
func New(source, replica string, sink journal.Sink) *Syncer {
	return &Syncer{
		Source:  source,
		Replica: replica,
		Journal: sink,
		Metrics: metrics.NoopCounters{},
		Now:     time.Now,
	}
}

// Run executes one full synchronization pass: reconcile, then prune.
//
// The order is a convention rather than a dependency: running creations and
// updates first avoids transiently judging a directory empty-and-deletable
// while a sibling create is still pending. Any filesystem error aborts the
// whole pass; the caller retries on its next interval.
func (s *Syncer) Run(ctx context.Context) error {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Metrics == nil {
		s.Metrics = metrics.NoopCounters{}
	}

	if err := s.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	return nil
}

// systemEntry reports whether a replica-root entry belongs to replicat itself
// and must be left alone by both walks.
func systemEntry(parentRel, name string) bool {
	return parentRel == "." && name == lockfile.LockFileName
}

// lstatExists resolves a path to (exists, error). Only fs.ErrNotExist maps to
// a clean false; any other failure aborts the pass per the error policy.
func lstatExists(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}
