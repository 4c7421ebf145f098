package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/replicat-io/replicat/pkg/journal"
	"github.com/replicat-io/replicat/pkg/plog"
)

// Prune walks the replica tree bottom-up and removes every file and empty
// directory that has no counterpart in the source, emitting a Deleted event
// per removal.
//
// The post-order traversal is essential: a directory whose entire subtree
// vanished from the source is drained of files before its own emptiness
// check runs, so one pass removes the whole subtree instead of leaving empty
// husks for the next interval. A directory that still holds entries is left
// in place even when its source counterpart is gone.
func (s *Syncer) Prune(ctx context.Context) error {
	_, err := s.pruneDir(ctx, ".")
	return err
}

// pruneDir prunes one replica directory and reports whether it is empty
// afterwards; in dry run, whether the planned deletions would leave it
// empty, so cascading directory removals still show up in the plan. Files
// are handled before child directories, matching the event order the
// deletion-cascade contract promises.
func (s *Syncer) pruneDir(ctx context.Context, rel string) (empty bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	absRep := filepath.Join(s.Replica, rel)
	entries, err := os.ReadDir(absRep)
	if err != nil {
		return false, fmt.Errorf("failed to read replica directory %s: %w", absRep, err)
	}

	remaining := len(entries)

	for _, entry := range entries {
		if entry.IsDir() || systemEntry(rel, entry.Name()) {
			continue
		}
		childRel := filepath.Join(rel, entry.Name())
		s.Metrics.AddEntriesScanned(1)

		absSrc := filepath.Join(s.Source, childRel)
		inSource, err := lstatExists(absSrc)
		if err != nil {
			return false, err
		}
		if inSource {
			continue
		}

		if s.DryRun {
			plog.Notice("[DRY RUN] DELETE", "path", childRel)
			remaining--
			continue
		}

		absChild := filepath.Join(absRep, entry.Name())
		if s.Archiver != nil {
			if err := s.Archiver.Archive(absChild, childRel); err != nil {
				return false, fmt.Errorf("failed to archive %s before deletion: %w", childRel, err)
			}
		}
		if err := os.Remove(absChild); err != nil {
			return false, fmt.Errorf("failed to delete replica file %s: %w", absChild, err)
		}

		plog.Notice("DELETE", "path", childRel)
		s.Metrics.AddFilesDeleted(1)
		// The journal reports the missing source-side path for deleted files.
		s.Journal.Record(journal.Event{
			Kind: journal.Deleted,
			Path: absSrc,
			Time: s.Now(),
		})
		remaining--
	}

	for _, entry := range entries {
		if !entry.IsDir() || systemEntry(rel, entry.Name()) {
			continue
		}
		childRel := filepath.Join(rel, entry.Name())
		s.Metrics.AddEntriesScanned(1)

		childEmpty, err := s.pruneDir(ctx, childRel)
		if err != nil {
			return false, err
		}

		inSource, err := lstatExists(filepath.Join(s.Source, childRel))
		if err != nil {
			return false, err
		}
		if inSource || !childEmpty {
			continue
		}

		if s.DryRun {
			plog.Notice("[DRY RUN] RMDIR", "path", childRel)
			remaining--
			continue
		}

		absChild := filepath.Join(absRep, entry.Name())
		if err := os.Remove(absChild); err != nil {
			return false, fmt.Errorf("failed to delete replica directory %s: %w", absChild, err)
		}

		plog.Notice("RMDIR", "path", childRel)
		s.Metrics.AddDirsDeleted(1)
		s.Journal.Record(journal.Event{
			Kind:   journal.Deleted,
			Folder: true,
			Path:   absChild,
			Time:   s.Now(),
		})
		remaining--
	}

	return remaining == 0, nil
}
