//go:build !unix && !windows

package volume

import "path/filepath"

func isRoot(path string) bool {
	clean := filepath.Clean(path)
	return filepath.Dir(clean) == clean
}
