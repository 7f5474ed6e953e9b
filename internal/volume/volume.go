// Package volume answers volume-level questions about a scan root: is it
// the root of a mounted volume, and how much space does the volume hold.
package volume

// Space is the capacity of the volume holding a path.
type Space struct {
	Total uint64
	Free  uint64
}

// Used is the space the filesystem reports as allocated.
func (s Space) Used() uint64 {
	if s.Free > s.Total {
		return 0
	}
	return s.Total - s.Free
}

// Stat returns the space figures for the volume containing path. ok is
// false when the platform cannot report them.
func Stat(path string) (Space, bool) {
	return statSpace(path)
}

// IsRoot reports whether path is the root of a mounted volume.
func IsRoot(path string) bool {
	return isRoot(path)
}
