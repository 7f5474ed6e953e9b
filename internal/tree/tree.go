// Package tree holds the inventory of scanned objects. Every container
// node caches the aggregates of its subtree so reads never walk it.
package tree

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var ErrNoNode = errors.New("no such node")

// Tree is an arena of nodes addressed by Handle. It is safe for
// concurrent use. The notify callback runs with the tree lock held and
// must not call back into the tree.
type Tree struct {
	mu     sync.RWMutex
	nodes  []node
	free   []Handle
	root   Handle
	notify func(Event)
}

// New returns an empty tree. notify may be nil.
func New(notify func(Event)) *Tree {
	if notify == nil {
		notify = func(Event) {}
	}
	// Slot 0 backs NoHandle.
	return &Tree{nodes: make([]node, 1, 1024), notify: notify}
}

func (t *Tree) alloc(s Spec, parent Handle) Handle {
	n := node{
		live:       true,
		kind:       s.Kind,
		name:       s.Name,
		ownTime:    s.ModTime,
		lastChange: s.ModTime,
		attr:       s.Attr,
		id:         s.ID,
		flags:      s.Flags,
		owner:      s.Owner,
		parent:     parent,
		read:       true,
		done:       true,
	}
	switch {
	case s.Kind == KindFile:
		n.size, n.physical = s.Size, s.Physical
		n.files = 1
	case s.Kind.IsPseudo():
		n.size, n.physical = s.Size, s.Physical
	case !s.Done:
		n.read, n.done = false, false
		n.readJobs = 1
	}

	if k := len(t.free); k > 0 {
		h := t.free[k-1]
		t.free = t.free[:k-1]
		t.nodes[h] = n
		return h
	}
	t.nodes = append(t.nodes, n)
	return Handle(len(t.nodes) - 1)
}

func (t *Tree) get(h Handle) (*node, error) {
	if h == NoHandle || int(h) >= len(t.nodes) || !t.nodes[h].live {
		return nil, fmt.Errorf("%w: %d", ErrNoNode, h)
	}
	return &t.nodes[h], nil
}

// SetRoot replaces the whole tree with a single root node.
func (t *Tree) SetRoot(s Spec) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root != NoHandle {
		old := t.root
		t.release(old)
		t.notify(NodeRemoved{Parent: NoHandle, Child: old})
	}
	s.Flags |= FlagRoot
	t.root = t.alloc(s, NoHandle)
	t.notify(NodeAdded{Parent: NoHandle, Child: t.root})
	return t.root
}

func (t *Tree) Root() Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// AddChild inserts a node under parent and folds it into the aggregates
// of every ancestor. A pending container reopens completed ancestors.
func (t *Tree) AddChild(parent Handle, s Spec) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.get(parent)
	if err != nil {
		return NoHandle, err
	}
	if !p.kind.IsContainer() {
		return NoHandle, fmt.Errorf("failed to add %q: parent %q is a %s", s.Name, p.name, p.kind)
	}
	h := t.alloc(s, parent)
	// alloc may grow the arena; reload the parent.
	p = &t.nodes[parent]
	p.children = append(p.children, h)

	n := &t.nodes[h]
	t.propagate(parent, n.contribution())
	t.raiseLastChange(parent, n.lastChange)
	t.notify(NodeAdded{Parent: parent, Child: h})
	if !n.done {
		t.reopen(parent)
	}
	return h, nil
}

// reopen clears the done flag on h and its ancestors.
func (t *Tree) reopen(h Handle) {
	for ; h != NoHandle; h = t.nodes[h].parent {
		n := &t.nodes[h]
		if !n.done {
			return
		}
		n.done = false
		t.notify(NodeUpdated{Node: h})
	}
}

func (t *Tree) propagate(from Handle, c contribution) {
	for h := from; h != NoHandle; h = t.nodes[h].parent {
		n := &t.nodes[h]
		n.size += c.size
		n.physical += c.physical
		n.files += c.files
		n.subdirs += c.subdirs
		n.readJobs += c.readJobs
	}
}

func (t *Tree) raiseLastChange(from Handle, ts time.Time) {
	for h := from; h != NoHandle; h = t.nodes[h].parent {
		n := &t.nodes[h]
		if !ts.After(n.lastChange) {
			return
		}
		n.lastChange = ts
	}
}

// recomputeLastChange walks up from h after a subtree shrank, stopping
// at the first ancestor whose value does not move.
func (t *Tree) recomputeLastChange(from Handle) {
	for h := from; h != NoHandle; h = t.nodes[h].parent {
		n := &t.nodes[h]
		latest := n.ownTime
		for _, c := range n.children {
			if lc := t.nodes[c].lastChange; lc.After(latest) {
				latest = lc
			}
		}
		if latest.Equal(n.lastChange) {
			return
		}
		n.lastChange = latest
	}
}

// Remove detaches h with its subtree and subtracts it from the
// ancestors. Removing the root empties the tree.
func (t *Tree) Remove(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(h)
	if err != nil {
		return err
	}
	parent := n.parent
	if parent == NoHandle {
		t.release(h)
		t.root = NoHandle
		t.notify(NodeRemoved{Parent: NoHandle, Child: h})
		return nil
	}
	t.detach(h)
	t.notify(NodeRemoved{Parent: parent, Child: h})
	return nil
}

// detach unlinks h from its parent and releases the subtree.
func (t *Tree) detach(h Handle) {
	n := &t.nodes[h]
	parent := n.parent
	t.propagate(parent, n.contribution().neg())

	p := &t.nodes[parent]
	for i, c := range p.children {
		if c == h {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	t.release(h)
	t.recomputeLastChange(parent)
}

func (t *Tree) release(h Handle) {
	for _, c := range t.nodes[h].children {
		t.release(c)
	}
	t.nodes[h] = node{}
	t.free = append(t.free, h)
}

// Reset drops every child of h and makes it pending again, ready to be
// re-enumerated. The node's own time is replaced by modTime. Ancestors
// are reopened until h completes again.
func (t *Tree) Reset(h Handle, modTime time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(h)
	if err != nil {
		return err
	}
	if !n.kind.IsContainer() {
		return fmt.Errorf("failed to reset %q: not a container", n.name)
	}
	for len(n.children) > 0 {
		c := n.children[len(n.children)-1]
		t.detach(c)
		t.notify(NodeRemoved{Parent: h, Child: c})
		n = &t.nodes[h]
	}
	n.ownTime = modTime
	t.recomputeLastChange(h)
	if n.read {
		n.read = false
		t.propagate(h, contribution{readJobs: 1})
	}
	t.reopen(h)
	return nil
}

// Update replaces the size fields and own time of a file or pseudo node.
func (t *Tree) Update(h Handle, s Spec) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(h)
	if err != nil {
		return err
	}
	if n.kind.IsContainer() {
		return fmt.Errorf("failed to update %q: is a container", n.name)
	}
	d := contribution{size: s.Size - n.size, physical: s.Physical - n.physical}
	n.size, n.physical = s.Size, s.Physical
	n.attr = s.Attr
	n.id = s.ID
	if s.Owner != "" {
		n.owner = s.Owner
	}
	old := n.lastChange
	n.ownTime, n.lastChange = s.ModTime, s.ModTime
	if n.parent != NoHandle {
		t.propagate(n.parent, d)
		if s.ModTime.After(old) {
			t.raiseLastChange(n.parent, s.ModTime)
		} else {
			t.recomputeLastChange(n.parent)
		}
	}
	t.notify(NodeUpdated{Node: h})
	return nil
}

// MarkRead records that the children of h have been enumerated.
func (t *Tree) MarkRead(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(h)
	if err != nil {
		return err
	}
	t.markRead(h, n)
	return nil
}

func (t *Tree) markRead(h Handle, n *node) {
	if n.read {
		return
	}
	n.read = true
	t.propagate(h, contribution{readJobs: -1})
}

// MarkDone records that the subtree of h is complete. It implies
// MarkRead. Children are sorted by size, largest first.
func (t *Tree) MarkDone(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(h)
	if err != nil {
		return err
	}
	if n.done {
		return nil
	}
	t.markRead(h, n)
	n.done = true
	t.sortChildren(n)
	t.notify(NodeUpdated{Node: h})
	return nil
}

func (t *Tree) sortChildren(n *node) {
	sort.SliceStable(n.children, func(i, j int) bool {
		a, b := &t.nodes[n.children[i]], &t.nodes[n.children[j]]
		if a.size != b.size {
			return a.size > b.size
		}
		return a.name < b.name
	})
}

// SetFlag sets or clears f on h.
func (t *Tree) SetFlag(h Handle, f Flags, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(h)
	if err != nil {
		return err
	}
	was := n.flags
	if on {
		n.flags |= f
	} else {
		n.flags &^= f
	}
	if n.flags != was {
		t.notify(NodeUpdated{Node: h})
	}
	return nil
}

func (t *Tree) info(h Handle, n *node) Info {
	return Info{
		Handle:     h,
		Parent:     n.parent,
		Kind:       n.kind,
		Name:       n.name,
		Size:       n.size,
		Physical:   n.physical,
		LastChange: n.lastChange,
		Attr:       n.attr,
		ID:         n.id,
		Flags:      n.flags,
		Owner:      n.owner,
		Read:       n.read,
		Done:       n.done,
		Files:      n.files,
		Subdirs:    n.subdirs,
		ReadJobs:   n.readJobs,
		Children:   len(n.children),
	}
}

func (t *Tree) Info(h Handle) (Info, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.get(h)
	if err != nil {
		return Info{}, err
	}
	return t.info(h, n), nil
}

// Children returns a copy of the child handles of h in display order.
func (t *Tree) Children(h Handle) []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.get(h)
	if err != nil {
		return nil
	}
	return append([]Handle(nil), n.children...)
}

// Contains reports whether h refers to a live node.
func (t *Tree) Contains(h Handle) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, err := t.get(h)
	return err == nil
}

// Path returns the filesystem path of h. Root nodes carry their path as
// their name.
func (t *Tree) Path(h Handle) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.path(h)
}

func (t *Tree) path(h Handle) string {
	var parts []string
	for h != NoHandle {
		n := &t.nodes[h]
		if !n.live {
			return ""
		}
		if n.flags&FlagRoot != 0 {
			parts = append(parts, n.name)
			break
		}
		parts = append(parts, n.name)
		h = n.parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return filepath.Join(parts...)
}

// Lookup finds the node at an absolute path, or NoHandle.
func (t *Tree) Lookup(p string) Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p = filepath.Clean(p)
	var best Handle
	var bestPath string
	var roots []Handle
	if t.root != NoHandle {
		roots = append(roots, t.root)
		if t.nodes[t.root].kind == KindComputer {
			roots = append(roots, t.nodes[t.root].children...)
		}
	}
	for _, r := range roots {
		rp := filepath.Clean(t.nodes[r].name)
		if t.nodes[r].name == "" {
			continue
		}
		if rel, err := filepath.Rel(rp, p); err == nil && rel != ".." && !hasDotDotPrefix(rel) {
			if len(rp) > len(bestPath) {
				best, bestPath = r, rp
			}
		}
	}
	if best == NoHandle {
		return NoHandle
	}
	rel, _ := filepath.Rel(bestPath, p)
	if rel == "." {
		return best
	}
	h := best
	for _, part := range splitPath(rel) {
		next := NoHandle
		for _, c := range t.nodes[h].children {
			if t.nodes[c].name == part {
				next = c
				break
			}
		}
		if next == NoHandle {
			return NoHandle
		}
		h = next
	}
	return h
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:2] == ".." && rel[2] == filepath.Separator
}

func splitPath(rel string) []string {
	var parts []string
	for rel != "" && rel != "." {
		dir, file := filepath.Split(rel)
		parts = append(parts, file)
		rel = filepath.Clean(dir)
		if dir == "" {
			break
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// Walk visits h and its subtree in pre-order with the lock held for
// reading. fn receives the slash-separated path relative to h and must
// not modify the tree. Returning false skips the node's children.
func (t *Tree) Walk(h Handle, fn func(rel string, info Info) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.get(h)
	if err != nil {
		return err
	}
	t.walk(h, n, "", fn)
	return nil
}

func (t *Tree) walk(h Handle, n *node, rel string, fn func(string, Info) bool) {
	if !fn(rel, t.info(h, n)) {
		return
	}
	for _, c := range n.children {
		cn := &t.nodes[c]
		t.walk(c, cn, path.Join(rel, cn.name), fn)
	}
}

// Len returns the number of live nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes) - 1 - len(t.free)
}
