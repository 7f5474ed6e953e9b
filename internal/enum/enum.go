// Package enum defines the directory enumeration contract shared by the
// generic enumerator and the NTFS fast path.
package enum

import (
	"errors"
	"time"

	"volscan/internal/fsattr"
)

// ErrUnreadable marks a directory that could not be listed. Callers treat
// it as having no children.
var ErrUnreadable = errors.New("directory unreadable")

// Dir identifies a directory to enumerate. ID is the filesystem record
// (MFT record number or inode) and is only required by enumerators that
// answer from an index.
type Dir struct {
	Path string
	ID   uint64
}

// Entry is one directory entry.
type Entry struct {
	Name      string
	Attr      fsattr.Attr
	Size      int64
	Allocated int64
	ModTime   time.Time
	Reparse   fsattr.Reparse
	ID        uint64
}

func (e Entry) IsDir() bool     { return e.Attr&fsattr.Directory != 0 }
func (e Entry) IsReparse() bool { return e.Attr&fsattr.ReparsePoint != 0 }
func (e Entry) IsDots() bool    { return e.Name == "." || e.Name == ".." }

// Iterator yields entries until exhausted.
type Iterator interface {
	Next() (Entry, bool)
	Close() error
}

// Enumerator opens directories for iteration.
type Enumerator interface {
	Open(dir Dir) (Iterator, error)
}

// Empty is an iterator with no entries.
type Empty struct{}

func (Empty) Next() (Entry, bool) { return Entry{}, false }
func (Empty) Close() error        { return nil }

// Collect drains an iterator, skipping the dot entries.
func Collect(it Iterator) []Entry {
	var out []Entry
	for {
		e, ok := it.Next()
		if !ok {
			return out
		}
		if e.IsDots() {
			continue
		}
		out = append(out, e)
	}
}
