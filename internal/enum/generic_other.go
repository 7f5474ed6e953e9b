//go:build !unix && !windows

package enum

import (
	"os"
	"path/filepath"

	"volscan/internal/fsattr"
)

type sliceIter struct {
	path    string
	entries []os.DirEntry
	pos     int
}

func openDir(path string, _ int) (Iterator, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, unreadable(path, err)
	}
	return &sliceIter{path: path, entries: entries}, nil
}

func (it *sliceIter) Next() (Entry, bool) {
	for it.pos < len(it.entries) {
		de := it.entries[it.pos]
		it.pos++
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := statEntry(filepath.Join(it.path, de.Name()), info)
		e.Name = de.Name()
		return e, true
	}
	return Entry{}, false
}

func (it *sliceIter) Close() error { return nil }

func statEntry(_ string, info os.FileInfo) Entry {
	e := Entry{ModTime: info.ModTime()}
	if info.IsDir() {
		e.Attr |= fsattr.Directory
	} else {
		e.Size = info.Size()
		e.Allocated = info.Size()
	}
	return e
}
