// Package preflight validates the environment before the first pass runs.
// It fails fast on problems that would otherwise surface mid-pass, such as
// an unwritable replica or a disk that is already full.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/replicat-io/replicat/pkg/config"
	"github.com/replicat-io/replicat/pkg/plog"
	"github.com/replicat-io/replicat/pkg/util"
)

// Run executes all startup checks. The checks are independent and run
// concurrently; the first failure wins. In dry run mode nothing is created
// or written, only inspected.
func Run(ctx context.Context, cfg config.Config) error {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error { return ensureSource(cfg.Source, cfg.DryRun) })
	g.Go(func() error { return ensureReplicaWritable(cfg.Replica, cfg.DryRun) })
	g.Go(func() error { return checkFreeSpace(cfg.Replica, cfg.MinFreeSpaceMB) })

	return g.Wait()
}

// ensureSource verifies the source root is a directory, creating an empty
// one when it does not exist yet. Watching an initially empty source is a
// legitimate way to start.
func ensureSource(path string, dryRun bool) error {
	info, err := os.Lstat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("source path %s exists but is not a directory", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat source path %s: %w", path, err)
	}

	if dryRun {
		plog.Notice("[DRY RUN] Would create missing source directory", "path", path)
		return nil
	}
	if err := os.MkdirAll(path, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create source directory %s: %w", path, err)
	}
	plog.Warn("Source directory did not exist, created empty", "path", path)
	return nil
}

// ensureReplicaWritable creates the replica root when missing and proves we
// can actually create files under it by writing and removing a probe file.
func ensureReplicaWritable(path string, dryRun bool) error {
	existing := nearestExisting(path)

	info, err := os.Lstat(existing)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", existing, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("replica path %s collides with non-directory %s", path, existing)
	}

	if dryRun {
		return nil
	}

	if err := os.MkdirAll(path, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create replica directory %s: %w", path, err)
	}

	probe, err := os.CreateTemp(path, ".replicat-probe-*")
	if err != nil {
		return fmt.Errorf("replica directory %s is not writable: %w", path, err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("failed to remove write probe %s: %w", name, err)
	}
	return nil
}

// checkFreeSpace fails when the filesystem holding the replica has less than
// minFreeMB megabytes available. Zero disables the check.
func checkFreeSpace(path string, minFreeMB int64) error {
	if minFreeMB <= 0 {
		return nil
	}

	freeBytes, err := freeSpace(nearestExisting(path))
	if err != nil {
		return fmt.Errorf("failed to determine free space for %s: %w", path, err)
	}

	freeMB := int64(freeBytes / (1024 * 1024))
	if freeMB < minFreeMB {
		return fmt.Errorf("replica filesystem has %d MB free, below the required %d MB", freeMB, minFreeMB)
	}
	plog.Debug("Free space check passed", "path", path, "freeMB", freeMB, "requiredMB", minFreeMB)
	return nil
}

// nearestExisting walks up from path to the closest ancestor that exists.
func nearestExisting(path string) string {
	for {
		if _, err := os.Lstat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path // Filesystem root.
		}
		path = parent
	}
}
