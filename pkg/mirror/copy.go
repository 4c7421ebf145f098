package mirror

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/replicat-io/replicat/pkg/util"
)

// copyFile copies a regular file from absSrc to absRep, preserving the
// source's permissions and modification timestamp. The timestamp is the
// freshness proxy the next pass compares against, so it must survive the copy
// exactly.
//
// The content is written to a temporary file in the destination directory and
// renamed into place. A crash mid-copy therefore leaves at worst a stale
// temp file, and the stale replica file keeps a mismatching timestamp, so the
// next pass re-copies it.
func copyFile(absSrc, absRep string, srcInfo fs.FileInfo) error {
	in, err := os.Open(absSrc)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", absSrc, err)
	}
	defer in.Close()

	repDir := filepath.Dir(absRep)
	out, err := os.CreateTemp(repDir, "replicat-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", repDir, err)
	}

	absTmp := out.Name()
	// If the rename succeeds, absTmp is cleared and this becomes a no-op.
	defer func() {
		if absTmp != "" {
			out.Close()
			os.Remove(absTmp)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy content from %s to %s: %w", absSrc, absTmp, err)
	}

	// The user-write bit is forced so a read-only source file cannot lock us
	// out of refreshing the replica copy on a later pass.
	if err := out.Chmod(util.WithUserWritePermission(srcInfo.Mode().Perm())); err != nil {
		return fmt.Errorf("failed to set permissions on temporary file %s: %w", absTmp, err)
	}

	// Close before Chtimes: flushing on close may itself bump the mtime.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", absTmp, err)
	}

	mtime := srcInfo.ModTime()
	if err := os.Chtimes(absTmp, mtime, mtime); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", absTmp, err)
	}

	if err := os.Rename(absTmp, absRep); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", absTmp, absRep, err)
	}
	absTmp = ""
	return nil
}
