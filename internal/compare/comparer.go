// Package compare diffs two inventory snapshots file by file.
package compare

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"volscan/internal/tree"
)

type ChangeType string

const (
	Added    ChangeType = "ADDED"
	Modified ChangeType = "MODIFIED"
	Deleted  ChangeType = "DELETED"
)

// FileData is the state of one file in a snapshot.
type FileData struct {
	Size       int64
	Physical   int64
	LastChange time.Time
}

type Change struct {
	Type    ChangeType
	Path    string
	OldData *FileData
	NewData *FileData
}

// Delta is the change in size, positive when the file grew.
func (c Change) Delta() int64 {
	var d int64
	if c.NewData != nil {
		d += c.NewData.Size
	}
	if c.OldData != nil {
		d -= c.OldData.Size
	}
	return d
}

type CompareResult struct {
	Added    []Change
	Modified []Change
	Deleted  []Change
}

func (r *CompareResult) HasChanges() bool {
	return len(r.Added) > 0 || len(r.Modified) > 0 || len(r.Deleted) > 0
}

// Growth is the net change in logical size over all changes.
func (r *CompareResult) Growth() int64 {
	var g int64
	for _, list := range [][]Change{r.Added, r.Modified, r.Deleted} {
		for _, c := range list {
			g += c.Delta()
		}
	}
	return g
}

// files maps the path of every file below the root to its data.
func files(t *tree.Tree) map[string]FileData {
	out := make(map[string]FileData)
	root := t.Root()
	if root == tree.NoHandle {
		return out
	}
	t.Walk(root, func(rel string, info tree.Info) bool {
		if info.Kind == tree.KindFile {
			out[rel] = FileData{Size: info.Size, Physical: info.Physical, LastChange: info.LastChange}
		}
		return true
	})
	return out
}

// Compare reports files added, deleted, or changed in size or time
// between two snapshots of the same roots.
func Compare(oldTree, newTree *tree.Tree) *CompareResult {
	result := &CompareResult{
		Added:    make([]Change, 0),
		Modified: make([]Change, 0),
		Deleted:  make([]Change, 0),
	}
	oldFiles, newFiles := files(oldTree), files(newTree)

	for path, newData := range newFiles {
		newData := newData
		if oldData, exists := oldFiles[path]; exists {
			if oldData.Size != newData.Size || !oldData.LastChange.Equal(newData.LastChange) {
				result.Modified = append(result.Modified, Change{
					Type:    Modified,
					Path:    path,
					OldData: &oldData,
					NewData: &newData,
				})
			}
		} else {
			result.Added = append(result.Added, Change{
				Type:    Added,
				Path:    path,
				NewData: &newData,
			})
		}
	}

	for path, oldData := range oldFiles {
		oldData := oldData
		if _, exists := newFiles[path]; !exists {
			result.Deleted = append(result.Deleted, Change{
				Type:    Deleted,
				Path:    path,
				OldData: &oldData,
			})
		}
	}

	// Sort for deterministic output
	for _, list := range [][]Change{result.Added, result.Modified, result.Deleted} {
		sort.Slice(list, func(i, j int) bool {
			return list[i].Path < list[j].Path
		})
	}

	return result
}

func FormatReport(result *CompareResult) string {
	if !result.HasChanges() {
		return "No changes detected."
	}

	var sb strings.Builder
	sb.WriteString("Changes detected:\n\n")

	if len(result.Added) > 0 {
		fmt.Fprintf(&sb, "ADDED (%d files):\n", len(result.Added))
		for _, change := range result.Added {
			fmt.Fprintf(&sb, "  + %s (%s)\n", change.Path, humanize.Bytes(uint64(change.NewData.Size)))
		}
		sb.WriteString("\n")
	}

	if len(result.Modified) > 0 {
		fmt.Fprintf(&sb, "MODIFIED (%d files):\n", len(result.Modified))
		for _, change := range result.Modified {
			fmt.Fprintf(&sb, "  ~ %s\n", change.Path)
			fmt.Fprintf(&sb, "    Old: size=%s, modified=%s\n",
				humanize.Bytes(uint64(change.OldData.Size)), change.OldData.LastChange.Format("2006-01-02"))
			fmt.Fprintf(&sb, "    New: size=%s, modified=%s\n",
				humanize.Bytes(uint64(change.NewData.Size)), change.NewData.LastChange.Format("2006-01-02"))
		}
		sb.WriteString("\n")
	}

	if len(result.Deleted) > 0 {
		fmt.Fprintf(&sb, "DELETED (%d files):\n", len(result.Deleted))
		for _, change := range result.Deleted {
			fmt.Fprintf(&sb, "  - %s (%s)\n", change.Path, humanize.Bytes(uint64(change.OldData.Size)))
		}
		sb.WriteString("\n")
	}

	growth := result.Growth()
	sign := "+"
	if growth < 0 {
		sign, growth = "-", -growth
	}
	fmt.Fprintf(&sb, "Summary: %d added, %d modified, %d deleted, %s%s\n",
		len(result.Added), len(result.Modified), len(result.Deleted), sign, humanize.Bytes(uint64(growth)))

	return sb.String()
}
