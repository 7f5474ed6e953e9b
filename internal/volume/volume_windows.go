//go:build windows

package volume

import (
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

func isRoot(path string) bool {
	vol := filepath.VolumeName(path)
	if vol == "" {
		return false
	}
	return strings.EqualFold(filepath.Clean(path), vol+`\`)
}

func statSpace(path string) (Space, bool) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Space{}, false
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return Space{}, false
	}
	return Space{Total: total, Free: free}, true
}
