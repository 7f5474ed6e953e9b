package ntfs

import (
	"fmt"
)

const oemID = "NTFS    "

// Boot holds the geometry read from the volume boot sector.
type Boot struct {
	BytesPerSector int
	ClusterSize    int64
	MFTCluster     int64
	RecordSize     int
	TotalSectors   uint64
}

// MFTOffset is the byte offset of MFT record 0 on the volume.
func (b Boot) MFTOffset() int64 {
	return b.MFTCluster * b.ClusterSize
}

// ParseBoot decodes the NTFS boot sector.
func ParseBoot(sector []byte) (Boot, error) {
	f := fields{b: sector}
	if string(f.bytes(3, 8)) != oemID {
		return Boot{}, fmt.Errorf("%w: not an NTFS boot sector", ErrUnavailable)
	}
	bps := int(f.u16(0x0B))
	spcRaw := f.u8(0x0D)
	spc := int64(spcRaw)
	if spcRaw > 0x80 {
		// Large clusters are stored as a negative power of two.
		spc = 1 << (256 - int(spcRaw))
	}
	boot := Boot{
		BytesPerSector: bps,
		ClusterSize:    int64(bps) * spc,
		TotalSectors:   f.u64(0x28),
		MFTCluster:     int64(f.u64(0x30)),
	}
	perRecord := int8(f.u8(0x40))
	if f.bad {
		return Boot{}, fmt.Errorf("%w: truncated boot sector", ErrUnavailable)
	}
	if bps < 256 || bps > 4096 || bps&(bps-1) != 0 || spc == 0 {
		return Boot{}, fmt.Errorf("%w: bad geometry (%d bytes/sector, %d sectors/cluster)", ErrUnavailable, bps, spc)
	}
	if perRecord > 0 {
		boot.RecordSize = int(int64(perRecord) * boot.ClusterSize)
	} else {
		boot.RecordSize = 1 << uint(-perRecord)
	}
	if boot.RecordSize < sectorStride || boot.RecordSize%sectorStride != 0 {
		return Boot{}, fmt.Errorf("%w: bad record size %d", ErrUnavailable, boot.RecordSize)
	}
	return boot, nil
}
