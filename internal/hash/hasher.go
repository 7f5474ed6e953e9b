package hash

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const bufferSize = 32 * 1024

// Hash workers run concurrently; buffers are shared between them.
var buffers = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// HashFile returns the xxHash64 of the first limit bytes of path, or of
// the whole file when limit <= 0.
func HashFile(path string, limit int64) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if limit <= 0 {
		return HashReader(f)
	}
	return HashReader(io.LimitReader(f, limit))
}

// HashReader consumes r and returns its xxHash64.
func HashReader(r io.Reader) (uint64, error) {
	buf := buffers.Get().(*[]byte)
	defer buffers.Put(buf)

	d := xxhash.New()
	if _, err := io.CopyBuffer(d, r, *buf); err != nil {
		return 0, fmt.Errorf("failed to read file: %w", err)
	}
	return d.Sum64(), nil
}

// Hex renders a sum as 16 hex digits, big-endian.
func Hex(sum uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sum)
	return hex.EncodeToString(b[:])
}
