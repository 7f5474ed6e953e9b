package ntfs

import "encoding/binary"

// fields reads fixed-width little-endian values at fixed offsets. Every
// read is checked against the slice length; the first out-of-range read
// latches bad and later reads return zero.
type fields struct {
	b   []byte
	bad bool
}

func (f *fields) ok(off, n int) bool {
	if f.bad || off < 0 || n < 0 || off+n > len(f.b) {
		f.bad = true
		return false
	}
	return true
}

func (f *fields) u8(off int) uint8 {
	if !f.ok(off, 1) {
		return 0
	}
	return f.b[off]
}

func (f *fields) u16(off int) uint16 {
	if !f.ok(off, 2) {
		return 0
	}
	return binary.LittleEndian.Uint16(f.b[off:])
}

func (f *fields) u32(off int) uint32 {
	if !f.ok(off, 4) {
		return 0
	}
	return binary.LittleEndian.Uint32(f.b[off:])
}

func (f *fields) u64(off int) uint64 {
	if !f.ok(off, 8) {
		return 0
	}
	return binary.LittleEndian.Uint64(f.b[off:])
}

func (f *fields) bytes(off, n int) []byte {
	if !f.ok(off, n) {
		return nil
	}
	return f.b[off : off+n]
}
