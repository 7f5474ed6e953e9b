//go:build windows

package ntfs

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

// openVolume opens \\.\X: for the drive holding root, bypassing the
// filesystem. It needs administrative rights.
func openVolume(root, device string) (*os.File, error) {
	if device == "" {
		vol := filepath.VolumeName(root)
		if vol == "" || strings.HasPrefix(vol, `\\`) {
			return nil, os.ErrInvalid
		}
		device = `\\.\` + vol
	}
	p, err := windows.UTF16PtrFromString(device)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(p, windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: device, Err: err}
	}
	return os.NewFile(uintptr(h), device), nil
}
