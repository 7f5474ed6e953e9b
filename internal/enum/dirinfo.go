package enum

import (
	"encoding/binary"

	"volscan/internal/fsattr"
)

// Offsets inside a FILE_ID_BOTH_DIR_INFO record.
const (
	dirInfoNextEntry      = 0
	dirInfoLastWriteTime  = 24
	dirInfoEndOfFile      = 40
	dirInfoAllocationSize = 48
	dirInfoAttributes     = 56
	dirInfoNameLength     = 60
	dirInfoEaSize         = 64
	dirInfoFileID         = 96
	dirInfoName           = 104
)

// parseDirInfo decodes the record at the start of b and returns the
// offset of the next record (0 for the last one). Records that do not
// fit inside b are rejected.
func parseDirInfo(b []byte) (Entry, int, bool) {
	if len(b) < dirInfoName {
		return Entry{}, 0, false
	}
	le := binary.LittleEndian
	next := int(le.Uint32(b[dirInfoNextEntry:]))
	nameLen := int(le.Uint32(b[dirInfoNameLength:]))
	if dirInfoName+nameLen > len(b) || (next != 0 && next < dirInfoName) {
		return Entry{}, 0, false
	}
	e := Entry{
		Name:    fsattr.DecodeUTF16(b[dirInfoName : dirInfoName+nameLen]),
		Attr:    fsattr.Attr(le.Uint32(b[dirInfoAttributes:])),
		ModTime: fsattr.FromFiletime(int64(le.Uint64(b[dirInfoLastWriteTime:]))),
		ID:      le.Uint64(b[dirInfoFileID:]) & recordMask,
	}
	if !e.IsDir() {
		e.Size = int64(le.Uint64(b[dirInfoEndOfFile:]))
		e.Allocated = int64(le.Uint64(b[dirInfoAllocationSize:]))
	}
	if e.IsReparse() {
		// EaSize carries the reparse tag for reparse points.
		tag := le.Uint32(b[dirInfoEaSize:])
		e.Reparse = fsattr.Reparse{Tag: tag, Kind: fsattr.KindOf(tag)}
	}
	return e, next, true
}

// NTFS file references keep the record number in the low 48 bits.
const recordMask = 1<<48 - 1
