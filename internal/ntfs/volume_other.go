//go:build !windows

package ntfs

import (
	"errors"
	"os"
)

// openVolume opens an explicitly configured block device or image. There
// is no portable way to map a mount point to its device here.
func openVolume(_, device string) (*os.File, error) {
	if device == "" {
		return nil, errors.New("no ntfs device configured")
	}
	return os.Open(device)
}
