//go:build windows

package enum

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/windows"

	"volscan/internal/fsattr"
)

const (
	fileListDirectory = 0x0001

	fileCompressionInfo            = 0x8
	fileIdBothDirectoryInfo        = 0xa
	fileIdBothDirectoryRestartInfo = 0xb

	dirInfoBufferSize = 64 * 1024
)

type winIter struct {
	h     windows.Handle
	path  string
	buf   []byte
	off   int
	first bool
	done  bool
}

// openDir ignores the batch entry count; the query fills as many records
// as fit into the buffer.
func openDir(path string, _ int) (Iterator, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, unreadable(path, err)
	}
	h, err := windows.CreateFile(p, fileListDirectory,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return nil, unreadable(path, err)
	}
	return &winIter{h: h, path: path, buf: make([]byte, dirInfoBufferSize), off: -1, first: true}, nil
}

func (it *winIter) fill() bool {
	class := uint32(fileIdBothDirectoryInfo)
	if it.first {
		class = fileIdBothDirectoryRestartInfo
		it.first = false
	}
	if err := windows.GetFileInformationByHandleEx(it.h, class, &it.buf[0], uint32(len(it.buf))); err != nil {
		// ERROR_NO_MORE_FILES ends the listing; anything else leaves the
		// directory truncated.
		it.done = true
		return false
	}
	it.off = 0
	return true
}

func (it *winIter) Next() (Entry, bool) {
	for {
		if it.off < 0 {
			if it.done || !it.fill() {
				return Entry{}, false
			}
		}
		e, next, ok := parseDirInfo(it.buf[it.off:])
		if !ok || next == 0 {
			it.off = -1
		} else {
			it.off += next
		}
		if !ok {
			continue
		}
		if !e.IsDots() {
			it.fixup(&e)
		}
		return e, true
	}
}

func (it *winIter) Close() error {
	return windows.CloseHandle(it.h)
}

// fixup performs the targeted per-entry queries: the real allocation of
// compressed and sparse files, and the mount point vs junction split.
func (it *winIter) fixup(e *Entry) {
	full := filepath.Join(it.path, e.Name)
	if !e.IsDir() && e.Attr&(fsattr.Compressed|fsattr.SparseFile) != 0 {
		if n, ok := compressedSize(full); ok {
			e.Allocated = n
		}
	}
	if e.IsReparse() && e.Reparse.Tag == fsattr.TagMountPoint {
		if r, ok := readReparse(full); ok {
			e.Reparse = r
		}
	}
}

func openMeta(path string, flags uint32) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return windows.InvalidHandle, err
	}
	return windows.CreateFile(p, windows.FILE_READ_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS|flags, 0)
}

func compressedSize(path string) (int64, bool) {
	h, err := openMeta(path, 0)
	if err != nil {
		return 0, false
	}
	defer windows.CloseHandle(h)
	var buf [16]byte
	if err := windows.GetFileInformationByHandleEx(h, fileCompressionInfo, &buf[0], uint32(len(buf))); err != nil {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), true
}

func readReparse(path string) (fsattr.Reparse, bool) {
	h, err := openMeta(path, windows.FILE_FLAG_OPEN_REPARSE_POINT)
	if err != nil {
		return fsattr.Reparse{}, false
	}
	defer windows.CloseHandle(h)
	buf := make([]byte, windows.MAXIMUM_REPARSE_DATA_BUFFER_SIZE)
	var n uint32
	if err := windows.DeviceIoControl(h, windows.FSCTL_GET_REPARSE_POINT, nil, 0, &buf[0], uint32(len(buf)), &n, nil); err != nil {
		return fsattr.Reparse{}, false
	}
	return fsattr.ParseReparse(buf[:n])
}

func statEntry(path string, info os.FileInfo) Entry {
	e := Entry{ModTime: info.ModTime()}
	if d, ok := info.Sys().(*syscall.Win32FileAttributeData); ok {
		e.Attr = fsattr.Attr(d.FileAttributes)
	} else if info.IsDir() {
		e.Attr = fsattr.Directory
	}
	if !e.IsDir() {
		e.Size = info.Size()
		e.Allocated = info.Size()
		if e.Attr&(fsattr.Compressed|fsattr.SparseFile) != 0 {
			if n, ok := compressedSize(path); ok {
				e.Allocated = n
			}
		}
	}
	if e.IsReparse() {
		if r, ok := readReparse(path); ok {
			e.Reparse = r
		}
	}
	return e
}
