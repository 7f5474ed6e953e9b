package walker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"
)

// Totals summarizes a subtree independently of the scan engine.
type Totals struct {
	Files     int64
	Dirs      int64
	Bytes     int64
	Allocated int64
	Errors    []error
}

type Options struct {
	Workers int
	// CrossDevices descends into directories on other filesystems.
	CrossDevices bool
}

// Walk counts regular files and directories below rootPath in parallel.
// Symbolic links are not followed. Excluded entries are skipped the same
// way the scanner skips them.
func Walk(ctx context.Context, rootPath string, exclusions []string, opts Options) (*Totals, error) {
	rootInfo, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	if !rootInfo.IsDir() {
		return nil, fmt.Errorf("failed to walk directory: %s is not a directory", rootPath)
	}
	rootDev, hasDev := device(rootInfo)

	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	conf := fastwalk.Config{Follow: false, NumWorkers: opts.Workers}

	var files, dirs, bytes, alloc atomic.Int64
	var mu sync.Mutex
	result := &Totals{Errors: make([]error, 0)}

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err := ctx.Err(); err != nil {
			return fs.SkipAll
		}
		if err != nil {
			// If error is on the root path, return it (don't continue walking)
			if path == rootPath {
				return err
			}
			mu.Lock()
			result.Errors = append(result.Errors, err)
			mu.Unlock()
			return nil
		}
		if path == rootPath {
			return nil
		}

		relPath, err := filepath.Rel(rootPath, path)
		if err != nil {
			return nil
		}
		if ShouldExclude(relPath, exclusions) {
			if d.IsDir() {
				return fastwalk.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			dirs.Add(1)
			if !opts.CrossDevices && hasDev {
				if info, err := d.Info(); err == nil {
					if dev, ok := device(info); ok && dev != rootDev {
						return fastwalk.SkipDir
					}
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			mu.Lock()
			result.Errors = append(result.Errors, err)
			mu.Unlock()
			return nil
		}
		files.Add(1)
		bytes.Add(info.Size())
		alloc.Add(allocated(info))
		return nil
	}

	if err := fastwalk.Walk(&conf, rootPath, walkFn); err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Files = files.Load()
	result.Dirs = dirs.Load()
	result.Bytes = bytes.Load()
	result.Allocated = alloc.Load()
	return result, nil
}

// ShouldExclude reports whether relPath matches one of the exclusion
// patterns. Patterns ending in / match any directory segment; other
// patterns match the base name, or the whole path if they contain /.
func ShouldExclude(relPath string, exclusions []string) bool {
	for _, pattern := range exclusions {
		// Handle directory exclusions (patterns ending with /)
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			// Check if the current path or any parent matches the directory pattern
			parts := strings.Split(relPath, string(filepath.Separator))
			for _, part := range parts {
				if matched, _ := filepath.Match(dirPattern, part); matched {
					return true
				}
			}
		} else {
			// Handle file pattern exclusions
			matched, err := filepath.Match(pattern, filepath.Base(relPath))
			if err == nil && matched {
				return true
			}
			// Also try matching against the full relative path for patterns with /
			if strings.Contains(pattern, "/") {
				matched, err := filepath.Match(pattern, filepath.ToSlash(relPath))
				if err == nil && matched {
					return true
				}
			}
		}
	}
	return false
}
