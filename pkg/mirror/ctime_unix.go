//go:build linux

package mirror

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// creationTime returns the timestamp journaled with a file's Created event.
// Linux filesystems do not expose a portable birth time, so this uses the
// inode change time (ctime), which for a freshly created file equals its
// creation moment. Falls back to the modification time when the stat fails.
func creationTime(path string, info fs.FileInfo) time.Time {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err == nil {
		return time.Unix(st.Ctim.Unix())
	}
	return info.ModTime()
}
