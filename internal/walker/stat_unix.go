//go:build unix

package walker

import (
	"os"
	"syscall"
)

func device(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Dev), true
}

func allocated(info os.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		// POSIX st.Blocks is in 512-byte units
		return int64(st.Blocks) * 512
	}
	return info.Size()
}
