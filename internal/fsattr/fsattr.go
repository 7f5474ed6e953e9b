package fsattr

import (
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf16"
)

// Attr is a packed attribute bitmask using the Windows FILE_ATTRIBUTE_*
// values, so both enumerators and the export format share one encoding.
type Attr uint32

const (
	ReadOnly          Attr = 0x00000001
	Hidden            Attr = 0x00000002
	System            Attr = 0x00000004
	Directory         Attr = 0x00000010
	Archive           Attr = 0x00000020
	Device            Attr = 0x00000040
	Normal            Attr = 0x00000080
	Temporary         Attr = 0x00000100
	SparseFile        Attr = 0x00000200
	ReparsePoint      Attr = 0x00000400
	Compressed        Attr = 0x00000800
	Offline           Attr = 0x00001000
	NotContentIndexed Attr = 0x00002000
	Encrypted         Attr = 0x00004000
)

func (a Attr) Has(b Attr) bool { return a&b == b }

// String renders the attributes the way Explorer's column does.
func (a Attr) String() string {
	var sb strings.Builder
	for _, f := range []struct {
		bit Attr
		c   byte
	}{
		{ReadOnly, 'R'}, {Hidden, 'H'}, {System, 'S'}, {Archive, 'A'},
		{Compressed, 'C'}, {Encrypted, 'E'}, {SparseFile, 'Z'}, {ReparsePoint, 'J'},
	} {
		if a&f.bit != 0 {
			sb.WriteByte(f.c)
		}
	}
	return sb.String()
}

// Reparse tags used by the scanner.
const (
	TagMountPoint uint32 = 0xA0000003
	TagSymlink    uint32 = 0xA000000C
)

// ReparseKind disambiguates reparse points that matter for traversal.
type ReparseKind uint8

const (
	ReparseNone ReparseKind = iota
	ReparseMountPoint
	ReparseJunction
	ReparseSymlink
	ReparseOther
)

func (k ReparseKind) String() string {
	switch k {
	case ReparseMountPoint:
		return "mountpoint"
	case ReparseJunction:
		return "junction"
	case ReparseSymlink:
		return "symlink"
	case ReparseOther:
		return "other"
	default:
		return "none"
	}
}

// Reparse is the raw tag plus the kind derived from its payload.
type Reparse struct {
	Tag  uint32
	Kind ReparseKind
}

// KindOf classifies a tag without looking at the payload. Mount point
// tags come back as ReparseJunction until ParseReparse has seen the
// substitute name.
func KindOf(tag uint32) ReparseKind {
	switch tag {
	case 0:
		return ReparseNone
	case TagMountPoint:
		return ReparseJunction
	case TagSymlink:
		return ReparseSymlink
	default:
		return ReparseOther
	}
}

const volumePrefix = `\??\Volume{`

// ParseReparse decodes a REPARSE_DATA_BUFFER (the same layout is stored
// in the NTFS $REPARSE_POINT attribute). Short or malformed buffers
// yield ok=false.
func ParseReparse(buf []byte) (Reparse, bool) {
	if len(buf) < 8 {
		return Reparse{}, false
	}
	tag := binary.LittleEndian.Uint32(buf[0:])
	dataLen := int(binary.LittleEndian.Uint16(buf[4:]))
	r := Reparse{Tag: tag, Kind: KindOf(tag)}
	if tag != TagMountPoint {
		return r, true
	}
	data := buf[8:]
	if dataLen < len(data) {
		data = data[:dataLen]
	}
	if len(data) < 8 {
		return r, true
	}
	subOff := int(binary.LittleEndian.Uint16(data[0:]))
	subLen := int(binary.LittleEndian.Uint16(data[2:]))
	const pathBuffer = 8
	start := pathBuffer + subOff
	if subLen == 0 || start+subLen > len(data) {
		return r, true
	}
	if strings.HasPrefix(DecodeUTF16(data[start:start+subLen]), volumePrefix) {
		r.Kind = ReparseMountPoint
	}
	return r, true
}

// DecodeUTF16 converts little-endian UTF-16 bytes to a string; a
// trailing odd byte is ignored.
func DecodeUTF16(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u))
}

// EncodeUTF16 is the inverse of DecodeUTF16.
func EncodeUTF16(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, len(u)*2)
	for i, v := range u {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

// 100ns intervals between 1601-01-01 and 1970-01-01.
const filetimeEpochDelta = 116444736000000000

// FromFiletime converts an NT FILETIME value to a UTC time. Zero maps to
// the zero time.
func FromFiletime(ft int64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	d := ft - filetimeEpochDelta
	return time.Unix(d/1e7, (d%1e7)*100).UTC()
}

// ToFiletime is the inverse of FromFiletime.
func ToFiletime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()/100 + filetimeEpochDelta
}
