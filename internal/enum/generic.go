package enum

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBatchSize is the number of entries fetched per directory query.
const DefaultBatchSize = 512

// Generic enumerates directories through the operating system's batched
// directory listing and works on any filesystem.
type Generic struct {
	BatchSize int
}

func NewGeneric() *Generic {
	return &Generic{BatchSize: DefaultBatchSize}
}

func (g *Generic) Open(dir Dir) (Iterator, error) {
	n := g.BatchSize
	if n <= 0 {
		n = DefaultBatchSize
	}
	return openDir(dir.Path, n)
}

// Stat describes a single path as an Entry, without following a final
// symbolic link. It is used for scan roots and for refreshing a single
// node.
func Stat(path string) (Entry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Entry{}, err
	}
	e := statEntry(path, info)
	name := filepath.Base(path)
	if name == string(filepath.Separator) || name == "." {
		name = path
	}
	e.Name = name
	return e, nil
}

func unreadable(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
}
