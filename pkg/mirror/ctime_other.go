//go:build !linux && !windows

package mirror

import (
	"io/fs"
	"time"
)

// creationTime returns the timestamp journaled with a file's Created event.
// Platforms without a cheap creation/change time fall back to the
// modification time.
func creationTime(_ string, info fs.FileInfo) time.Time {
	return info.ModTime()
}
