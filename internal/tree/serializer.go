package tree

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"volscan/internal/fsattr"
)

var header = []string{"Name", "Files", "Folders", "Size", "Allocated", "Attributes", "Last Change", "Type"}

const ownerColumn = "Owner"

// ErrFormat marks an export that cannot be imported.
var ErrFormat = errors.New("malformed export")

type SaveOptions struct {
	Owner bool
}

// Save writes the tree as CSV, one row per node in pre-order. Root rows
// carry absolute paths, all others a slash-separated path relative to
// the enclosing root rather than the bare name within their parent, so
// every row names its node on its own. Load expects the same layout.
func Save(t *Tree, w io.Writer, opts SaveOptions) error {
	cw := csv.NewWriter(w)
	cols := header
	if opts.Owner {
		cols = append(append([]string(nil), header...), ownerColumn)
	}
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	t.mu.RLock()
	var err error
	if t.root != NoHandle {
		err = t.export(cw, t.root, "", opts)
	}
	t.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush export: %w", err)
	}
	return nil
}

// SaveFile writes the export to path.
func SaveFile(t *Tree, path string, opts SaveOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Save(t, f, opts); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// export writes h and its subtree. Paths restart at every root so rows
// below a root nested in a computer node stay relative to it.
func (t *Tree) export(cw *csv.Writer, h Handle, rel string, opts SaveOptions) error {
	n := &t.nodes[h]
	if n.flags&FlagRoot != 0 {
		rel = ""
	}
	if err := cw.Write(row(t.info(h, n), rel, opts)); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := t.export(cw, c, path.Join(rel, t.nodes[c].name), opts); err != nil {
			return err
		}
	}
	return nil
}

func row(info Info, rel string, opts SaveOptions) []string {
	name := info.Name
	if !info.IsRoot() {
		name = rel
	}
	r := []string{
		name,
		strconv.FormatInt(info.Files, 10),
		strconv.FormatInt(info.Subdirs, 10),
		strconv.FormatInt(info.Size, 10),
		strconv.FormatInt(info.Physical, 10),
		fmt.Sprintf("0x%08X", uint32(info.Attr)),
		formatTime(info.LastChange),
		fmt.Sprintf("0x%04X", typeCode(info.Kind, info.Flags)),
	}
	if opts.Owner {
		r = append(r, info.Owner)
	}
	return r
}

func typeCode(k Kind, f Flags) uint32 {
	return uint32(k) | uint32(f)<<8
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Load rebuilds a tree from an export without touching the filesystem.
func Load(r io.Reader, notify func(Event)) (*Tree, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cols, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %v", ErrFormat, err)
	}
	if len(cols) < len(header) {
		return nil, fmt.Errorf("%w: expected %d columns, got %d", ErrFormat, len(header), len(cols))
	}
	for i, c := range header {
		if cols[i] != c {
			return nil, fmt.Errorf("%w: column %d is %q, expected %q", ErrFormat, i+1, cols[i], c)
		}
	}
	withOwner := len(cols) > len(header) && cols[len(header)] == ownerColumn

	t := New(notify)
	var scope Handle
	byPath := map[string]Handle{}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		if len(rec) < len(header) {
			return nil, fmt.Errorf("%w: line %d: expected %d columns, got %d", ErrFormat, line, len(header), len(rec))
		}
		s, err := parseRow(rec, withOwner)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}

		if s.Flags&FlagRoot != 0 {
			var h Handle
			switch {
			case t.root == NoHandle:
				h = t.SetRoot(s)
			case t.nodes[t.root].kind == KindComputer:
				h, err = t.AddChild(t.root, s)
			default:
				err = fmt.Errorf("second root %q", s.Name)
			}
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
			}
			scope = h
			byPath = map[string]Handle{"": h}
			continue
		}

		if scope == NoHandle {
			return nil, fmt.Errorf("%w: line %d: row before any root", ErrFormat, line)
		}
		rel := rec[0]
		dir, base := path.Split(rel)
		parent, ok := byPath[strings.TrimSuffix(dir, "/")]
		if !ok {
			return nil, fmt.Errorf("%w: line %d: parent of %q not seen", ErrFormat, line, rel)
		}
		s.Name = base
		h, err := t.AddChild(parent, s)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		if s.Kind.IsContainer() {
			byPath[rel] = h
		}
	}
	if t.root == NoHandle {
		return nil, fmt.Errorf("%w: no rows", ErrFormat)
	}

	t.mu.Lock()
	for h := range t.nodes {
		if n := &t.nodes[h]; n.live && len(n.children) > 1 {
			t.sortChildren(n)
		}
	}
	t.mu.Unlock()
	return t, nil
}

// LoadFile reads an export from path.
func LoadFile(path string, notify func(Event)) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Load(f, notify)
}

func parseRow(rec []string, withOwner bool) (Spec, error) {
	var s Spec
	typ, err := strconv.ParseUint(rec[7], 0, 32)
	if err != nil {
		return s, fmt.Errorf("bad type %q", rec[7])
	}
	s.Kind = Kind(typ & 0xFF)
	if s.Kind > KindComputer {
		return s, fmt.Errorf("unknown kind %d", s.Kind)
	}
	s.Flags = Flags(typ >> 8)
	s.Name = rec[0]

	if !s.Kind.IsContainer() {
		if s.Size, err = strconv.ParseInt(rec[3], 10, 64); err != nil {
			return s, fmt.Errorf("bad size %q", rec[3])
		}
		if s.Physical, err = strconv.ParseInt(rec[4], 10, 64); err != nil {
			return s, fmt.Errorf("bad allocated size %q", rec[4])
		}
	}
	attr, err := strconv.ParseUint(rec[5], 0, 32)
	if err != nil {
		return s, fmt.Errorf("bad attributes %q", rec[5])
	}
	s.Attr = fsattr.Attr(attr)
	if s.ModTime, err = parseTime(rec[6]); err != nil {
		return s, fmt.Errorf("bad time %q", rec[6])
	}
	if withOwner && len(rec) > len(header) {
		s.Owner = rec[len(header)]
	}
	s.Done = true
	return s, nil
}
