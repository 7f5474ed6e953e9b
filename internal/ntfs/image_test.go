package ntfs

import (
	"encoding/binary"
	"time"

	"volscan/internal/fsattr"
)

// Synthetic volume geometry used by the tests.
const (
	testSectorSize  = 512
	testClusterSize = 4096
	testRecordSize  = 1024
	testMFTCluster  = 2
)

var le = binary.LittleEndian

func align8(n int) int { return (n + 7) &^ 7 }

func residentAttr(typ uint32, name string, value []byte) []byte {
	n := fsattr.EncodeUTF16(name)
	const hdr = 0x18
	valOff := align8(hdr + len(n))
	length := align8(valOff + len(value))
	b := make([]byte, length)
	le.PutUint32(b[0:], typ)
	le.PutUint32(b[4:], uint32(length))
	b[9] = byte(len(n) / 2)
	le.PutUint16(b[0x0A:], hdr)
	le.PutUint32(b[0x10:], uint32(len(value)))
	le.PutUint16(b[0x14:], uint16(valOff))
	copy(b[hdr:], n)
	copy(b[valOff:], value)
	return b
}

func nonResidentAttr(typ uint32, flags uint16, startVCN uint64, runs []byte, alloc, size, compressed int64) []byte {
	hdr := 0x40
	if flags&(attrFlagCompressed|attrFlagSparse) != 0 {
		hdr = 0x48
	}
	length := align8(hdr + len(runs) + 1)
	b := make([]byte, length)
	le.PutUint32(b[0:], typ)
	le.PutUint32(b[4:], uint32(length))
	b[8] = 1
	le.PutUint16(b[0x0A:], uint16(hdr))
	le.PutUint16(b[0x0C:], flags)
	le.PutUint64(b[0x10:], startVCN)
	le.PutUint16(b[0x20:], uint16(hdr))
	le.PutUint64(b[0x28:], uint64(alloc))
	le.PutUint64(b[0x30:], uint64(size))
	le.PutUint64(b[0x38:], uint64(size))
	if hdr == 0x48 {
		le.PutUint64(b[0x40:], uint64(compressed))
	}
	copy(b[hdr:], runs)
	return b
}

func stdInfoAttr(attr fsattr.Attr, mod time.Time) []byte {
	v := make([]byte, 48)
	ft := uint64(fsattr.ToFiletime(mod))
	le.PutUint64(v[0:], ft)
	le.PutUint64(v[8:], ft)
	le.PutUint32(v[32:], uint32(attr))
	return residentAttr(attrStandardInfo, "", v)
}

func fileNameAttr(parent uint64, name string, ns uint8) []byte {
	n := fsattr.EncodeUTF16(name)
	v := make([]byte, 66+len(n))
	// Sequence number in the high 16 bits must be masked off by the parser.
	le.PutUint64(v[0:], parent|1<<48)
	v[64] = byte(len(n) / 2)
	v[65] = ns
	copy(v[66:], n)
	return residentAttr(attrFileName, "", v)
}

func reparseAttr(buf []byte) []byte {
	return residentAttr(attrReparsePoint, "", buf)
}

func mountPointPayload(substitute string) []byte {
	sub := fsattr.EncodeUTF16(substitute)
	data := make([]byte, 8+len(sub)+4)
	le.PutUint16(data[2:], uint16(len(sub)))
	le.PutUint16(data[4:], uint16(len(sub)+2))
	copy(data[8:], sub)
	buf := make([]byte, 8+len(data))
	le.PutUint32(buf[0:], fsattr.TagMountPoint)
	le.PutUint16(buf[4:], uint16(len(data)))
	copy(buf[8:], data)
	return buf
}

type testRecord struct {
	flags   uint16
	base    uint64
	attrs   [][]byte
	corrupt bool
}

func (r testRecord) encode() []byte {
	buf := make([]byte, testRecordSize)
	copy(buf, "FILE")
	le.PutUint16(buf[4:], 0x30)
	le.PutUint16(buf[6:], testRecordSize/sectorStride+1)
	le.PutUint16(buf[0x14:], 0x38)
	le.PutUint16(buf[0x16:], r.flags)
	le.PutUint32(buf[0x1C:], testRecordSize)
	le.PutUint64(buf[0x20:], r.base)
	off := 0x38
	for _, a := range r.attrs {
		copy(buf[off:], a)
		off += len(a)
	}
	le.PutUint32(buf[off:], attrEnd)
	off += 8
	le.PutUint32(buf[0x18:], uint32(off))

	usn := [2]byte{0x07, 0x00}
	copy(buf[0x30:], usn[:])
	for i := 1; i <= testRecordSize/sectorStride; i++ {
		end := i*sectorStride - 2
		copy(buf[0x30+2*i:], buf[end:end+2])
		copy(buf[end:], usn[:])
	}
	if r.corrupt {
		buf[sectorStride-2] ^= 0xFF
	}
	return buf
}

type testImage struct {
	records    map[uint64]testRecord
	next       uint64
	fragmented bool
	modTime    time.Time
}

var systemNames = map[uint64]string{
	0: "$MFT", 1: "$MFTMirr", 2: "$LogFile", 3: "$Volume", 4: "$AttrDef",
	6: "$Bitmap", 7: "$Boot", 8: "$BadClus", 9: "$Secure", 10: "$UpCase",
	11: "$Extend", 12: "$Quota", 13: "$ObjId", 14: "$Reparse", 15: "$RmMetadata",
}

func newTestImage() *testImage {
	im := &testImage{
		records: make(map[uint64]testRecord),
		next:    firstUserRecord,
		modTime: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	for id, name := range systemNames {
		if id == 0 {
			continue
		}
		im.records[id] = testRecord{flags: recordInUse, attrs: [][]byte{
			stdInfoAttr(fsattr.Hidden|fsattr.System, im.modTime),
			fileNameAttr(RootRecord, name, 3),
		}}
	}
	im.records[RootRecord] = testRecord{flags: recordInUse | recordDirectory, attrs: [][]byte{
		stdInfoAttr(fsattr.Hidden|fsattr.System, im.modTime),
		fileNameAttr(RootRecord, ".", 3),
	}}
	return im
}

func (im *testImage) add(r testRecord) uint64 {
	id := im.next
	im.next++
	im.records[id] = r
	return id
}

func (im *testImage) dir(parent uint64, name string) uint64 {
	return im.add(testRecord{flags: recordInUse | recordDirectory, attrs: [][]byte{
		stdInfoAttr(0, im.modTime),
		fileNameAttr(parent, name, 1),
	}})
}

// file adds a regular file. alloc 0 stores the data resident in the
// record, which only works for small sizes.
func (im *testImage) file(parent uint64, name string, size, alloc int64) uint64 {
	var data []byte
	if alloc == 0 {
		data = residentAttr(attrData, "", make([]byte, size))
	} else {
		data = nonResidentAttr(attrData, 0, 0, []byte{0x11, 0x01, 0x40}, alloc, size, 0)
	}
	return im.add(testRecord{flags: recordInUse, attrs: [][]byte{
		stdInfoAttr(fsattr.Archive, im.modTime),
		fileNameAttr(parent, name, 1),
		data,
	}})
}

func (im *testImage) bytes() []byte {
	count := int64(im.next)
	mftBytes := count * testRecordSize
	clusters := (mftBytes + testClusterSize - 1) / testClusterSize

	var runs []byte
	firstLen, secondLen := clusters, int64(0)
	secondLCN := int64(0)
	if im.fragmented && clusters > 1 {
		firstLen = clusters / 2
		secondLen = clusters - firstLen
		secondLCN = testMFTCluster + firstLen + 2
		runs = []byte{0x11, byte(firstLen), testMFTCluster, 0x11, byte(secondLen), byte(secondLCN - testMFTCluster)}
	} else {
		runs = []byte{0x11, byte(firstLen), testMFTCluster}
	}
	im.records[0] = testRecord{flags: recordInUse, attrs: [][]byte{
		stdInfoAttr(fsattr.Hidden|fsattr.System, im.modTime),
		fileNameAttr(RootRecord, "$MFT", 3),
		nonResidentAttr(attrData, 0, 0, runs, clusters*testClusterSize, mftBytes, 0),
	}}

	totalClusters := testMFTCluster + clusters + 4
	img := make([]byte, totalClusters*testClusterSize)

	copy(img[3:], oemID)
	le.PutUint16(img[0x0B:], testSectorSize)
	img[0x0D] = testClusterSize / testSectorSize
	le.PutUint64(img[0x28:], uint64(len(img)/testSectorSize))
	le.PutUint64(img[0x30:], testMFTCluster)
	img[0x40] = 0xF6 // 2^10 byte records
	img[0x1FE], img[0x1FF] = 0x55, 0xAA

	offsetOf := func(id int64) int64 {
		pos := id * testRecordSize
		if secondLen > 0 && pos >= firstLen*testClusterSize {
			return secondLCN*testClusterSize + pos - firstLen*testClusterSize
		}
		return testMFTCluster*testClusterSize + pos
	}
	for id := int64(0); id < count; id++ {
		rec, ok := im.records[uint64(id)]
		if !ok {
			rec = testRecord{}
		}
		copy(img[offsetOf(id):], rec.encode())
	}
	return img
}
