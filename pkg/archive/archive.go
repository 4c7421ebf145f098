// Package archive implements the optional deletion archive: a per-pass
// tarball that receives a copy of every replica file the pruner is about to
// delete. It is a safety net against mistaken source deletions, not a backup
// system; old tarballs are discarded by age.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/replicat-io/replicat/pkg/plog"
)

// archivePrefix names the tarballs this package owns. CleanOld only ever
// touches files carrying it.
const archivePrefix = "replicat-deleted-"

// timestampLayout is embedded in archive file names.
const timestampLayout = "20060102-150405"

// Format selects the compression applied to the tar stream.
type Format string

const (
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
)

// FormatFromString parses a config string into a Format.
func FormatFromString(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(FormatTarGz):
		return FormatTarGz, nil
	case string(FormatTarZst):
		return FormatTarZst, nil
	default:
		return "", fmt.Errorf("unknown archive format %q", s)
	}
}

// ext returns the file extension for the format.
func (f Format) ext() string {
	return string(f)
}

// Session is a single pass's archive. It satisfies the mirror.Archiver
// contract: Archive copies a doomed file into the tarball before the pruner
// removes it. Close finalizes the tarball, or deletes it when the pass
// archived nothing.
type Session struct {
	path    string
	file    *os.File
	comp    io.WriteCloser
	tw      *tar.Writer
	entries int
}

// NewSession creates the archive tarball for one pass in dir, named after
// the pass start time.
func NewSession(dir string, format Format, start time.Time) (*Session, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, archivePrefix+start.Format(timestampLayout)+"."+format.ext())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file %s: %w", path, err)
	}

	var comp io.WriteCloser
	switch format {
	case FormatTarZst:
		comp, err = zstd.NewWriter(f)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
	default:
		comp = pgzip.NewWriter(f)
	}

	return &Session{
		path: path,
		file: f,
		comp: comp,
		tw:   tar.NewWriter(comp),
	}, nil
}

// Path returns the location of the archive tarball.
func (s *Session) Path() string {
	return s.path
}

// Entries returns how many files have been archived so far.
func (s *Session) Entries() int {
	return s.entries
}

// Archive appends the file at absPath to the tarball under relPath.
func (s *Session) Archive(absPath, relPath string) error {
	info, err := os.Lstat(absPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", absPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil // Only regular files are worth keeping.
	}

	in, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", absPath, err)
	}
	defer in.Close()

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build tar header for %s: %w", relPath, err)
	}
	hdr.Name = filepath.ToSlash(relPath)

	if err := s.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", relPath, err)
	}
	if _, err := io.Copy(s.tw, in); err != nil {
		return fmt.Errorf("failed to archive content of %s: %w", relPath, err)
	}

	s.entries++
	return nil
}

// Close finalizes the tarball. A session that archived nothing leaves no file
// behind.
func (s *Session) Close() error {
	if err := s.tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	if err := s.comp.Close(); err != nil {
		return fmt.Errorf("failed to finalize compression stream: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close archive file: %w", err)
	}

	if s.entries == 0 {
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("failed to remove empty archive %s: %w", s.path, err)
		}
	}
	return nil
}

// CleanOld removes archive tarballs in dir older than maxAge, judged by the
// timestamp embedded in their names. Foreign files are left alone. A zero or
// negative maxAge disables cleanup.
func CleanOld(dir string, maxAge time.Duration, now time.Time) error {
	if maxAge <= 0 {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Nothing has been archived yet.
		}
		return fmt.Errorf("failed to read archive directory %s: %w", dir, err)
	}

	cutoff := now.Add(-maxAge)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, archivePrefix) {
			continue
		}

		stampAndExt := strings.TrimPrefix(name, archivePrefix)
		dot := strings.Index(stampAndExt, ".")
		if dot < 0 {
			continue
		}
		stamp, err := time.ParseInLocation(timestampLayout, stampAndExt[:dot], now.Location())
		if err != nil {
			plog.Debug("Skipping archive with unparseable name", "name", name)
			continue
		}

		if stamp.Before(cutoff) {
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove old archive %s: %w", path, err)
			}
			plog.Info("Removed old deletion archive", "path", path)
		}
	}
	return nil
}
