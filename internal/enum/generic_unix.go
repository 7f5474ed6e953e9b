//go:build unix

package enum

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"volscan/internal/fsattr"
)

type unixIter struct {
	f     *os.File
	path  string
	dev   uint64
	size  int
	batch []os.DirEntry
	pos   int
	done  bool
}

func openDir(path string, batch int) (Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, unreadable(path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, unreadable(path, err)
	}
	if !info.IsDir() {
		f.Close()
		return nil, unreadable(path, syscall.ENOTDIR)
	}
	it := &unixIter{f: f, path: path, size: batch}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		it.dev = uint64(st.Dev)
	}
	return it, nil
}

func (it *unixIter) Next() (Entry, bool) {
	for {
		if it.pos >= len(it.batch) {
			if it.done {
				return Entry{}, false
			}
			var err error
			it.batch, err = it.f.ReadDir(it.size)
			it.pos = 0
			if err != nil {
				// io.EOF or a mid-listing failure: nothing more can be
				// read, keep what was returned.
				it.done = true
			}
			if len(it.batch) == 0 {
				return Entry{}, false
			}
		}
		de := it.batch[it.pos]
		it.pos++
		info, err := de.Info()
		if err != nil {
			// Vanished between listing and stat.
			continue
		}
		full := filepath.Join(it.path, de.Name())
		e := statEntry(full, info)
		e.Name = de.Name()
		if e.IsDir() && e.Reparse.Kind == fsattr.ReparseNone && it.dev != 0 {
			if st, ok := info.Sys().(*syscall.Stat_t); ok && uint64(st.Dev) != it.dev {
				e.Attr |= fsattr.ReparsePoint
				e.Reparse = fsattr.Reparse{Tag: fsattr.TagMountPoint, Kind: fsattr.ReparseMountPoint}
			}
		}
		return e, true
	}
}

func (it *unixIter) Close() error {
	return it.f.Close()
}

func statEntry(path string, info os.FileInfo) Entry {
	e := Entry{ModTime: info.ModTime()}
	mode := info.Mode()
	switch {
	case mode.IsDir():
		e.Attr |= fsattr.Directory
	case mode&os.ModeSymlink != 0:
		e.Attr |= fsattr.ReparsePoint
		e.Reparse = fsattr.Reparse{Tag: fsattr.TagSymlink, Kind: fsattr.ReparseSymlink}
		if target, err := os.Stat(path); err == nil && target.IsDir() {
			e.Attr |= fsattr.Directory
		}
	case mode.IsRegular():
		e.Size = info.Size()
		e.Allocated = info.Size()
	}
	if mode&0o200 == 0 {
		e.Attr |= fsattr.ReadOnly
	}
	if strings.HasPrefix(info.Name(), ".") && info.Name() != "." && info.Name() != ".." {
		e.Attr |= fsattr.Hidden
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		e.ID = uint64(st.Ino)
		if mode.IsRegular() {
			// st_blocks is in 512-byte units
			e.Allocated = int64(st.Blocks) * 512
		}
	}
	return e
}
