package tree

import (
	"time"

	"volscan/internal/fsattr"
)

type Kind uint8

const (
	KindVolume Kind = iota
	KindDirectory
	KindFile
	KindFreeSpace
	KindUnknown
	KindComputer
)

func (k Kind) String() string {
	switch k {
	case KindVolume:
		return "volume"
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindFreeSpace:
		return "free"
	case KindUnknown:
		return "unknown"
	case KindComputer:
		return "computer"
	default:
		return "invalid"
	}
}

// IsContainer reports whether nodes of this kind hold children.
func (k Kind) IsContainer() bool {
	return k == KindVolume || k == KindDirectory || k == KindComputer
}

// IsPseudo reports whether the kind stands for space rather than a
// filesystem object.
func (k Kind) IsPseudo() bool {
	return k == KindFreeSpace || k == KindUnknown
}

type Flags uint16

const (
	FlagRoot Flags = 1 << iota
	FlagDuplicate
)

// Handle addresses a node in the arena. Handles of removed nodes are
// recycled.
type Handle uint32

// NoHandle is never a valid node.
const NoHandle Handle = 0

// Names of the pseudo nodes.
const (
	FreeSpaceName = "<Free Space>"
	UnknownName   = "<Unknown>"
)

// Spec describes a node to insert.
type Spec struct {
	Kind     Kind
	Name     string
	Size     int64
	Physical int64
	ModTime  time.Time
	Attr     fsattr.Attr
	ID       uint64
	Flags    Flags
	Owner    string
	// Done marks containers whose children are already complete, as for
	// imported trees. Files and pseudo nodes are always done.
	Done bool
}

// Info is a snapshot of one node.
type Info struct {
	Handle     Handle
	Parent     Handle
	Kind       Kind
	Name       string
	Size       int64
	Physical   int64
	LastChange time.Time
	Attr       fsattr.Attr
	ID         uint64
	Flags      Flags
	Owner      string
	Read       bool
	Done       bool
	Files      int64
	Subdirs    int64
	ReadJobs   int64
	Children   int
}

func (i Info) IsRoot() bool { return i.Flags&FlagRoot != 0 }

type node struct {
	live       bool
	kind       Kind
	name       string
	size       int64
	physical   int64
	ownTime    time.Time
	lastChange time.Time
	attr       fsattr.Attr
	id         uint64
	flags      Flags
	owner      string
	parent     Handle
	children   []Handle
	read       bool
	done       bool
	files      int64
	subdirs    int64
	readJobs   int64
}

// contribution is what a node adds to each ancestor.
type contribution struct {
	size, physical int64
	files, subdirs int64
	readJobs       int64
}

func (n *node) contribution() contribution {
	c := contribution{
		size:     n.size,
		physical: n.physical,
		files:    n.files,
		subdirs:  n.subdirs,
		readJobs: n.readJobs,
	}
	if n.kind == KindDirectory {
		c.subdirs++
	}
	return c
}

func (c contribution) neg() contribution {
	return contribution{-c.size, -c.physical, -c.files, -c.subdirs, -c.readJobs}
}

// Event is a structural change published by the tree.
type Event interface {
	isEvent()
}

type NodeAdded struct {
	Parent Handle
	Child  Handle
}

type NodeRemoved struct {
	Parent Handle
	Child  Handle
}

type NodeUpdated struct {
	Node Handle
}

func (NodeAdded) isEvent()   {}
func (NodeRemoved) isEvent() {}
func (NodeUpdated) isEvent() {}
