package ntfs

import "fmt"

// dataRun is one extent of a non-resident attribute. lcn is -1 for
// sparse runs.
type dataRun struct {
	lcn    int64
	length int64
}

// decodeRuns decodes a mapping pairs array. Each pair starts with a
// header byte whose low nibble is the size of the length field and high
// nibble the size of the signed LCN delta.
func decodeRuns(b []byte) ([]dataRun, error) {
	var runs []dataRun
	var lcn int64
	pos := 0
	for pos < len(b) {
		head := b[pos]
		if head == 0 {
			return runs, nil
		}
		pos++
		lenSize := int(head & 0x0F)
		offSize := int(head >> 4)
		if lenSize == 0 || lenSize > 8 || offSize > 8 || pos+lenSize+offSize > len(b) {
			return nil, fmt.Errorf("%w: bad run header %#x", ErrBadRecord, head)
		}
		length := int64(readUint(b[pos : pos+lenSize]))
		pos += lenSize
		if offSize == 0 {
			runs = append(runs, dataRun{lcn: -1, length: length})
			continue
		}
		lcn += readInt(b[pos : pos+offSize])
		pos += offSize
		if lcn < 0 || length <= 0 {
			return nil, fmt.Errorf("%w: run out of range (lcn %d, length %d)", ErrBadRecord, lcn, length)
		}
		runs = append(runs, dataRun{lcn: lcn, length: length})
	}
	return nil, fmt.Errorf("%w: unterminated run list", ErrBadRecord)
}

func readUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func readInt(b []byte) int64 {
	v := readUint(b)
	shift := uint(64 - 8*len(b))
	return int64(v<<shift) >> shift
}
