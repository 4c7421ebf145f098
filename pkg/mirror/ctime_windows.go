//go:build windows

package mirror

import (
	"io/fs"
	"syscall"
	"time"
)

// creationTime returns the timestamp journaled with a file's Created event.
// Windows tracks a true creation time in the file attributes.
func creationTime(path string, info fs.FileInfo) time.Time {
	if d, ok := info.Sys().(*syscall.Win32FileAttributeData); ok {
		return time.Unix(0, d.CreationTime.Nanoseconds())
	}
	return info.ModTime()
}
