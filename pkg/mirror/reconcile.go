package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/replicat-io/replicat/pkg/journal"
	"github.com/replicat-io/replicat/pkg/plog"
	"github.com/replicat-io/replicat/pkg/util"
)

// Reconcile walks the source tree top-down and ensures every source file and
// directory exists in the replica with current content. Created and Modified
// events are emitted for each mutation. The replica root itself is created
// silently when missing; events start with its children.
func (s *Syncer) Reconcile(ctx context.Context) error {
	if !s.DryRun {
		if err := os.MkdirAll(s.Replica, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create replica root %s: %w", s.Replica, err)
		}
	}
	return s.reconcileDir(ctx, ".")
}

// reconcileDir handles a single source directory, files before
// subdirectories, then descends. Top-down order guarantees that a
// directory's replica counterpart exists before any of its children are
// touched, so directory creation never needs to be recursive.
func (s *Syncer) reconcileDir(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	absSrc := filepath.Join(s.Source, rel)
	entries, err := os.ReadDir(absSrc)
	if err != nil {
		return fmt.Errorf("failed to read source directory %s: %w", absSrc, err)
	}

	for _, entry := range entries {
		if systemEntry(rel, entry.Name()) || entry.IsDir() {
			continue
		}
		s.Metrics.AddEntriesScanned(1)
		if !entry.Type().IsRegular() {
			// Symlinks, sockets, pipes and devices are not mirrored.
			plog.Debug("Skipping non-regular source entry", "path", filepath.Join(rel, entry.Name()), "type", entry.Type().String())
			continue
		}
		if err := s.reconcileFile(filepath.Join(rel, entry.Name()), entry); err != nil {
			return err
		}
	}

	for _, entry := range entries {
		if !entry.IsDir() || systemEntry(rel, entry.Name()) {
			continue
		}
		s.Metrics.AddEntriesScanned(1)
		childRel := filepath.Join(rel, entry.Name())
		if err := s.ensureDir(childRel, entry); err != nil {
			return err
		}
		if err := s.reconcileDir(ctx, childRel); err != nil {
			return err
		}
	}
	return nil
}

// ensureDir creates the replica counterpart of a source directory when it is
// missing and emits a Created folder event for it. A replica entry of the
// wrong type is removed first.
func (s *Syncer) ensureDir(rel string, entry fs.DirEntry) error {
	absRep := filepath.Join(s.Replica, rel)

	info, err := os.Lstat(absRep)
	if err == nil {
		if info.IsDir() {
			return nil // Already present.
		}
		// A file or symlink sits where a directory belongs.
		if s.DryRun {
			plog.Notice("[DRY RUN] MKDIR (replacing conflicting entry)", "path", rel)
			return nil
		}
		plog.Warn("Replica entry is not a directory, removing before mkdir", "path", rel, "type", info.Mode().String())
		if err := os.RemoveAll(absRep); err != nil {
			return fmt.Errorf("failed to remove conflicting replica entry %s: %w", absRep, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat replica directory %s: %w", absRep, err)
	}

	if s.DryRun {
		plog.Notice("[DRY RUN] MKDIR", "path", rel)
		return nil
	}

	srcInfo, err := entry.Info()
	if err != nil {
		return fmt.Errorf("failed to read source directory info for %s: %w", rel, err)
	}

	// Non-recursive: the parent exists by top-down order. The user-write bit
	// is forced so a read-only source cannot lock us out of our own replica.
	if err := os.Mkdir(absRep, util.WithUserWritePermission(srcInfo.Mode().Perm())); err != nil {
		return fmt.Errorf("failed to create replica directory %s: %w", absRep, err)
	}

	plog.Notice("MKDIR", "path", rel)
	s.Metrics.AddDirsCreated(1)
	s.Journal.Record(journal.Event{
		Kind:   journal.Created,
		Folder: true,
		Path:   absRep,
		Time:   s.Now(),
	})
	return nil
}

// reconcileFile creates or refreshes a single replica file. The decision is
// purely timestamp equality: a missing replica file is created, a replica
// file whose modification time differs from the source is overwritten, and
// an equal timestamp means no action and no event.
func (s *Syncer) reconcileFile(rel string, entry fs.DirEntry) error {
	absSrc := filepath.Join(s.Source, rel)
	absRep := filepath.Join(s.Replica, rel)

	srcInfo, err := entry.Info()
	if err != nil {
		return fmt.Errorf("failed to read source file info for %s: %w", absSrc, err)
	}

	repInfo, err := os.Lstat(absRep)
	switch {
	case os.IsNotExist(err):
		// Create.
		if s.DryRun {
			plog.Notice("[DRY RUN] COPY", "path", rel)
			return nil
		}
		if err := copyFile(absSrc, absRep, srcInfo); err != nil {
			return err
		}
		plog.Notice("COPY", "path", rel)
		s.Metrics.AddFilesCreated(1)
		s.Journal.Record(journal.Event{
			Kind: journal.Created,
			Path: absSrc,
			Time: creationTime(absSrc, srcInfo),
		})
		return nil

	case err != nil:
		return fmt.Errorf("failed to stat replica file %s: %w", absRep, err)

	case !repInfo.Mode().IsRegular():
		// A directory or symlink occupies the file's replica path.
		if s.DryRun {
			plog.Notice("[DRY RUN] COPY (replacing conflicting entry)", "path", rel)
			return nil
		}
		plog.Warn("Replica entry is not a regular file, removing before copy", "path", rel, "type", repInfo.Mode().String())
		if err := os.RemoveAll(absRep); err != nil {
			return fmt.Errorf("failed to remove conflicting replica entry %s: %w", absRep, err)
		}
		if err := copyFile(absSrc, absRep, srcInfo); err != nil {
			return err
		}
		plog.Notice("COPY", "path", rel)
		s.Metrics.AddFilesCreated(1)
		s.Journal.Record(journal.Event{
			Kind: journal.Created,
			Path: absSrc,
			Time: creationTime(absSrc, srcInfo),
		})
		return nil

	case !srcInfo.ModTime().Equal(repInfo.ModTime()):
		// Update. Inequality in either direction triggers a copy from source.
		if s.DryRun {
			plog.Notice("[DRY RUN] UPDATE", "path", rel)
			return nil
		}
		if err := copyFile(absSrc, absRep, srcInfo); err != nil {
			return err
		}
		plog.Notice("UPDATE", "path", rel)
		s.Metrics.AddFilesUpdated(1)
		s.Journal.Record(journal.Event{
			Kind: journal.Modified,
			Path: absSrc,
			Time: srcInfo.ModTime(),
		})
		return nil

	default:
		s.Metrics.AddFilesUpToDate(1)
		return nil
	}
}
