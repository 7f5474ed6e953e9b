//go:build unix

package volume

import (
	"os"
	"path/filepath"
	"syscall"
)

func isRoot(path string) bool {
	clean := filepath.Clean(path)
	parent := filepath.Dir(clean)
	if parent == clean {
		return true
	}
	st, ok := devOf(clean)
	if !ok {
		return false
	}
	pst, ok := devOf(parent)
	return ok && st != pst
}

func devOf(path string) (uint64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Dev), true
}
