//go:build windows

package preflight

import "golang.org/x/sys/windows"

// freeSpace returns the bytes available to the calling user on the volume
// containing path.
func freeSpace(path string) (uint64, error) {
	var avail, total, free uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return 0, err
	}
	return avail, nil
}
