package ntfs

import (
	"fmt"

	"volscan/internal/fsattr"
)

// The update sequence covers every 512 bytes of a record regardless of
// the disk's sector size.
const sectorStride = 512

const recordMask = 1<<48 - 1

// Record flags.
const (
	recordInUse     = 0x0001
	recordDirectory = 0x0002
)

// Attribute types.
const (
	attrStandardInfo = 0x10
	attrFileName     = 0x30
	attrData         = 0x80
	attrReparsePoint = 0xC0
	attrEnd          = 0xFFFFFFFF
)

// Attribute header flags.
const (
	attrFlagCompressed = 0x0001
	attrFlagSparse     = 0x8000
)

// File name namespaces.
const nameSpaceDOS = 2

type fileInfo struct {
	attr    fsattr.Attr
	size    int64
	alloc   int64
	modTime int64
	reparse fsattr.Reparse
	hasStd  bool
	hasData bool
}

type nameRef struct {
	parent uint64
	name   string
}

type record struct {
	id    uint64
	base  uint64
	info  fileInfo
	names []nameRef
}

// applyFixup restores the bytes the update sequence array replaced at
// the end of every 512-byte stride. A stride whose tail does not carry
// the sequence number was torn and fails the record.
func applyFixup(buf []byte) error {
	f := fields{b: buf}
	usaOff := int(f.u16(4))
	usaCount := int(f.u16(6))
	if f.bad || usaCount < 1 || usaOff+usaCount*2 > len(buf) || (usaCount-1)*sectorStride > len(buf) {
		return fmt.Errorf("%w: bad update sequence array", ErrBadRecord)
	}
	usn0, usn1 := buf[usaOff], buf[usaOff+1]
	for i := 1; i < usaCount; i++ {
		end := i*sectorStride - 2
		if buf[end] != usn0 || buf[end+1] != usn1 {
			return fmt.Errorf("%w: fix-up mismatch in stride %d", ErrBadRecord, i)
		}
		buf[end] = buf[usaOff+2*i]
		buf[end+1] = buf[usaOff+2*i+1]
	}
	return nil
}

// parseRecord decodes one MFT record in place. inUse is false for free
// records, which carry no error.
func parseRecord(buf []byte, id uint64) (rec record, inUse bool, err error) {
	if len(buf) < 0x30 || string(buf[:4]) != "FILE" {
		return record{}, false, fmt.Errorf("%w: record %d: bad signature", ErrBadRecord, id)
	}
	if err := applyFixup(buf); err != nil {
		return record{}, false, fmt.Errorf("record %d: %w", id, err)
	}
	f := fields{b: buf}
	flags := f.u16(0x16)
	if flags&recordInUse == 0 {
		return record{}, false, nil
	}
	rec = record{id: id, base: f.u64(0x20) & recordMask}
	if flags&recordDirectory != 0 {
		rec.info.attr |= fsattr.Directory
	}
	used := int(f.u32(0x18))
	if used <= 0 || used > len(buf) {
		used = len(buf)
	}
	off := int(f.u16(0x14))
	for {
		a := fields{b: buf[:used]}
		typ := a.u32(off)
		if a.bad {
			return record{}, false, fmt.Errorf("%w: record %d: attribute list overruns record", ErrBadRecord, id)
		}
		if typ == attrEnd {
			break
		}
		length := int(a.u32(off + 4))
		if length < 0x10 || off+length > used {
			return record{}, false, fmt.Errorf("%w: record %d: attribute at %#x has length %d", ErrBadRecord, id, off, length)
		}
		if err := rec.parseAttribute(buf[off : off+length]); err != nil {
			return record{}, false, fmt.Errorf("record %d: %w", id, err)
		}
		off += length
	}
	return rec, true, nil
}

func (rec *record) parseAttribute(b []byte) error {
	h := fields{b: b}
	typ := h.u32(0)
	nonResident := h.u8(8) != 0
	nameLen := h.u8(9)
	flags := h.u16(0x0C)

	var value []byte
	if !nonResident {
		value = h.bytes(int(h.u16(0x14)), int(h.u32(0x10)))
	}
	if h.bad {
		return fmt.Errorf("%w: malformed attribute header %#x", ErrBadRecord, typ)
	}

	switch typ {
	case attrStandardInfo:
		v := fields{b: value}
		mod := int64(v.u64(8))
		attr := fsattr.Attr(v.u32(32))
		if v.bad {
			return fmt.Errorf("%w: short standard information", ErrBadRecord)
		}
		rec.info.modTime = mod
		rec.info.attr |= attr
		rec.info.hasStd = true

	case attrFileName:
		v := fields{b: value}
		parent := v.u64(0) & recordMask
		n := int(v.u8(64))
		ns := v.u8(65)
		raw := v.bytes(66, n*2)
		if v.bad {
			return fmt.Errorf("%w: short file name", ErrBadRecord)
		}
		if ns == nameSpaceDOS {
			return nil
		}
		rec.names = append(rec.names, nameRef{parent: parent, name: fsattr.DecodeUTF16(raw)})

	case attrData:
		if nameLen != 0 {
			// Alternate data streams are not part of the file size.
			return nil
		}
		if !nonResident {
			rec.info.size = int64(len(value))
			rec.info.alloc = 0
			rec.info.hasData = true
			return nil
		}
		if h.u64(0x10) != 0 {
			// Continuation extent; sizes live in the first one.
			return nil
		}
		alloc := int64(h.u64(0x28))
		size := int64(h.u64(0x30))
		if flags&(attrFlagCompressed|attrFlagSparse) != 0 && len(b) >= 0x48 {
			alloc = int64(h.u64(0x40))
		}
		if h.bad {
			return fmt.Errorf("%w: short non-resident data header", ErrBadRecord)
		}
		rec.info.size = size
		rec.info.alloc = alloc
		rec.info.hasData = true

	case attrReparsePoint:
		if nonResident {
			return nil
		}
		if r, ok := fsattr.ParseReparse(value); ok {
			rec.info.reparse = r
		}
	}
	return nil
}
