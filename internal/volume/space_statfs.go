//go:build linux || darwin

package volume

import "golang.org/x/sys/unix"

func statSpace(path string) (Space, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Space{}, false
	}
	bs := uint64(st.Bsize)
	return Space{Total: uint64(st.Blocks) * bs, Free: uint64(st.Bfree) * bs}, true
}
