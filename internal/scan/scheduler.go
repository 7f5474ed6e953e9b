// Package scan builds the inventory tree. The scheduler works in short
// steps so the caller stays responsive, and can refresh or drop any
// subtree while a scan is in progress.
package scan

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"volscan/internal/enum"
	"volscan/internal/fsattr"
	"volscan/internal/tree"
	"volscan/internal/volume"
	"volscan/internal/walker"
)

// File is a file node as seen by observers.
type File struct {
	Handle   tree.Handle
	Path     string
	Size     int64
	Physical int64
	ModTime  time.Time
}

// Observer is told about every file the scheduler attaches or drops.
// Calls are made with the scheduler lock held.
type Observer interface {
	FileAdded(f File)
	FileRemoved(h tree.Handle)
}

type Options struct {
	// Exclude holds walker patterns matched against paths relative to
	// the scan root.
	Exclude []string

	FollowSymlinks    bool
	FollowJunctions   bool
	FollowMountPoints bool

	ShowFreeSpace    bool
	ShowUnknownSpace bool

	// Space reports the capacity of a volume. Defaults to volume.Stat.
	Space func(path string) (volume.Space, bool)

	Log zerolog.Logger
}

// cursor is the scheduler state of a container that is not done yet.
type cursor struct {
	en      enum.Enumerator
	path    string
	rel     string
	real    string
	// seen holds the real paths from the scan root down to this
	// container, used to reject link cycles.
	seen    []string
	id      uint64
	read    bool
	worked  time.Duration
	pending []tree.Handle
}

type Scheduler struct {
	mu        sync.Mutex
	tree      *tree.Tree
	opts      Options
	generic   enum.Enumerator
	cursors   map[tree.Handle]*cursor
	observers []Observer
}

func NewScheduler(t *tree.Tree, opts Options, observers ...Observer) *Scheduler {
	if opts.Space == nil {
		opts.Space = volume.Stat
	}
	return &Scheduler{
		tree:      t,
		opts:      opts,
		generic:   enum.NewGeneric(),
		cursors:   make(map[tree.Handle]*cursor),
		observers: observers,
	}
}

// SetComputer replaces the tree with an empty computer node that holds
// several scan roots.
func (s *Scheduler) SetComputer() tree.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.cursors)
	h := s.tree.SetRoot(tree.Spec{Kind: tree.KindComputer, Done: true})
	s.cursors[h] = &cursor{read: true}
	return h
}

// AddRoot attaches the directory at root, served by en. With parent
// NoHandle it becomes the root of the tree; otherwise parent must be
// the computer node. id is the record the enumerator knows the
// directory by; 0 takes it from the filesystem.
func (s *Scheduler) AddRoot(parent tree.Handle, root string, kind tree.Kind, en enum.Enumerator, id uint64) (tree.Handle, error) {
	e, err := enum.Stat(root)
	if err != nil {
		return tree.NoHandle, fmt.Errorf("failed to stat root: %w", err)
	}
	if !e.IsDir() {
		return tree.NoHandle, fmt.Errorf("failed to add root %s: not a directory", root)
	}
	if id == 0 {
		id = e.ID
	}
	spec := tree.Spec{
		Kind:    kind,
		Name:    root,
		ModTime: e.ModTime,
		Attr:    e.Attr,
		ID:      id,
		Flags:   tree.FlagRoot,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var h tree.Handle
	if parent == tree.NoHandle {
		clear(s.cursors)
		h = s.tree.SetRoot(spec)
	} else {
		h, err = s.tree.AddChild(parent, spec)
		if err != nil {
			return tree.NoHandle, err
		}
		pc, ok := s.cursors[parent]
		if !ok {
			pc = &cursor{read: true}
			s.cursors[parent] = pc
		}
		pc.pending = append(pc.pending, h)
	}
	real := realPath(root)
	s.cursors[h] = &cursor{en: en, path: root, real: real, seen: []string{real}, id: id}
	return h, nil
}

// Step works on the tree for about budget and reports whether every
// node is done. At least one unit of work is done per call.
func (s *Scheduler) Step(ctx context.Context, budget time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(budget)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		root := s.tree.Root()
		if _, ok := s.cursors[root]; !ok {
			return true, nil
		}
		s.work(root)
		if !time.Now().Before(deadline) {
			_, pending := s.cursors[root]
			return !pending, nil
		}
	}
}

// Run steps until the tree is done or ctx is cancelled. onTick, if set,
// runs between steps without the scheduler lock.
func (s *Scheduler) Run(ctx context.Context, budget time.Duration, onTick func()) error {
	for {
		done, err := s.Step(ctx, budget)
		if err != nil {
			return err
		}
		if onTick != nil {
			onTick()
		}
		if done {
			return nil
		}
	}
}

// Pending returns the number of containers not done yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

// work does one unit of work in the subtree of h: it reads h or recurses
// into the pending child that has had the least time so far.
func (s *Scheduler) work(h tree.Handle) {
	c := s.cursors[h]
	start := time.Now()
	if !c.read {
		s.read(h, c)
	} else if next := s.pick(c); next != tree.NoHandle {
		s.work(next)
	}
	c.worked += time.Since(start)

	s.prune(c)
	if c.read && len(c.pending) == 0 {
		s.finish(h, c)
	}
}

func (s *Scheduler) prune(c *cursor) {
	live := c.pending[:0]
	for _, ch := range c.pending {
		if _, ok := s.cursors[ch]; ok {
			live = append(live, ch)
		}
	}
	c.pending = live
}

func (s *Scheduler) pick(c *cursor) tree.Handle {
	best := tree.NoHandle
	var least time.Duration
	for _, ch := range c.pending {
		cc, ok := s.cursors[ch]
		if !ok {
			continue
		}
		if best == tree.NoHandle || cc.worked < least {
			best, least = ch, cc.worked
		}
	}
	return best
}

func (s *Scheduler) read(h tree.Handle, c *cursor) {
	it, err := c.en.Open(enum.Dir{Path: c.path, ID: c.id})
	if err != nil {
		s.opts.Log.Debug().Err(err).Str("path", c.path).Msg("scan: directory unreadable")
		it = enum.Empty{}
	}
	entries := enum.Collect(it)
	it.Close()

	for _, e := range entries {
		ch, cc := s.attach(h, c, e)
		if cc != nil {
			c.pending = append(c.pending, ch)
		}
	}
	c.read = true
	if err := s.tree.MarkRead(h); err != nil {
		s.opts.Log.Error().Err(err).Msg("scan: mark read")
	}
}

// attach adds the node for e below parent. The returned cursor is nil
// unless the new node is a directory that still has to be read.
func (s *Scheduler) attach(parent tree.Handle, pc *cursor, e enum.Entry) (tree.Handle, *cursor) {
	rel := filepath.Join(pc.rel, e.Name)
	if walker.ShouldExclude(rel, s.opts.Exclude) {
		return tree.NoHandle, nil
	}
	full := filepath.Join(pc.path, e.Name)

	if !e.IsDir() {
		h, err := s.tree.AddChild(parent, tree.Spec{
			Kind:     tree.KindFile,
			Name:     e.Name,
			Size:     e.Size,
			Physical: e.Allocated,
			ModTime:  e.ModTime,
			Attr:     e.Attr,
			ID:       e.ID,
		})
		if err != nil {
			s.opts.Log.Error().Err(err).Str("path", full).Msg("scan: add file")
			return tree.NoHandle, nil
		}
		f := File{Handle: h, Path: full, Size: e.Size, Physical: e.Allocated, ModTime: e.ModTime}
		for _, o := range s.observers {
			o.FileAdded(f)
		}
		return h, nil
	}

	real := filepath.Join(pc.real, e.Name)
	cc := &cursor{en: pc.en, path: full, rel: rel, real: real, seen: descend(pc.seen, real), id: e.ID}
	if e.IsReparse() {
		cc = s.follow(pc, full, rel, e)
	}
	h, err := s.tree.AddChild(parent, tree.Spec{
		Kind:    tree.KindDirectory,
		Name:    e.Name,
		ModTime: e.ModTime,
		Attr:    e.Attr,
		ID:      e.ID,
		Done:    cc == nil,
	})
	if err != nil {
		s.opts.Log.Error().Err(err).Str("path", full).Msg("scan: add directory")
		return tree.NoHandle, nil
	}
	if cc != nil {
		s.cursors[h] = cc
	}
	return h, cc
}

// follow returns the cursor for a reparse directory, or nil when it is
// shown without children.
func (s *Scheduler) follow(pc *cursor, full, rel string, e enum.Entry) *cursor {
	switch e.Reparse.Kind {
	case fsattr.ReparseSymlink:
		if !s.opts.FollowSymlinks {
			return nil
		}
	case fsattr.ReparseJunction:
		if !s.opts.FollowJunctions {
			return nil
		}
	case fsattr.ReparseMountPoint:
		if !s.opts.FollowMountPoints {
			return nil
		}
	default:
		return nil
	}
	target, err := filepath.EvalSymlinks(full)
	if err != nil {
		s.opts.Log.Debug().Err(err).Str("path", full).Msg("scan: reparse target unresolved")
		return nil
	}
	for _, r := range pc.seen {
		if within(r, target) {
			s.opts.Log.Debug().Str("path", full).Str("target", target).Msg("scan: reparse loop skipped")
			return nil
		}
	}
	// Another volume or link target: the parent's index does not cover it.
	return &cursor{en: s.generic, path: full, rel: rel, real: target, seen: descend(pc.seen, target)}
}

// descend returns a copy of seen extended with real.
func descend(seen []string, real string) []string {
	return append(seen[:len(seen):len(seen)], real)
}

// within reports whether p is dir or below it.
func within(p, dir string) bool {
	if p == dir {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

func realPath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}

func (s *Scheduler) finish(h tree.Handle, c *cursor) {
	if info, err := s.tree.Info(h); err == nil && info.Kind == tree.KindVolume {
		s.updateSpace(h, c.path)
	}
	if err := s.tree.MarkDone(h); err != nil {
		s.opts.Log.Error().Err(err).Msg("scan: mark done")
	}
	delete(s.cursors, h)
}

// updateSpace replaces the free and unknown pseudo children of a volume.
// Unknown space is what the volume reports as used minus the physical
// size of everything found below it.
func (s *Scheduler) updateSpace(h tree.Handle, path string) {
	for _, ch := range s.tree.Children(h) {
		if info, err := s.tree.Info(ch); err == nil && info.Kind.IsPseudo() {
			if err := s.tree.Remove(ch); err != nil {
				s.opts.Log.Error().Err(err).Msg("scan: remove pseudo node")
			}
		}
	}
	sp, ok := s.opts.Space(path)
	if !ok {
		return
	}
	info, err := s.tree.Info(h)
	if err != nil {
		return
	}
	if s.opts.ShowFreeSpace {
		free := int64(sp.Free)
		if _, err := s.tree.AddChild(h, tree.Spec{Kind: tree.KindFreeSpace, Name: tree.FreeSpaceName, Size: free, Physical: free}); err != nil {
			s.opts.Log.Error().Err(err).Str("path", path).Msg("scan: add free space")
		}
	}
	if s.opts.ShowUnknownSpace {
		unknown := int64(sp.Used()) - info.Physical
		if unknown < 0 {
			unknown = 0
		}
		if _, err := s.tree.AddChild(h, tree.Spec{Kind: tree.KindUnknown, Name: tree.UnknownName, Size: unknown, Physical: unknown}); err != nil {
			s.opts.Log.Error().Err(err).Str("path", path).Msg("scan: add unknown space")
		}
	}
}

// Refresh re-reads h from the filesystem. A vanished path is removed; a
// directory is emptied and enumerated again by later steps.
func (s *Scheduler) Refresh(h tree.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh(h)
}

func (s *Scheduler) refresh(h tree.Handle) error {
	info, err := s.tree.Info(h)
	if err != nil {
		return err
	}
	switch {
	case info.Kind == tree.KindComputer:
		for _, ch := range s.tree.Children(h) {
			if err := s.refresh(ch); err != nil {
				return err
			}
		}
		return nil
	case info.Kind.IsPseudo():
		return s.refresh(info.Parent)
	}

	p := s.tree.Path(h)
	e, err := enum.Stat(p)
	if err != nil {
		s.opts.Log.Debug().Err(err).Str("path", p).Msg("scan: refreshed path vanished")
		s.remove(h)
		return nil
	}

	if info.Kind == tree.KindFile && !e.IsDir() {
		if err := s.tree.Update(h, tree.Spec{Size: e.Size, Physical: e.Allocated, ModTime: e.ModTime, Attr: e.Attr, ID: e.ID}); err != nil {
			return err
		}
		f := File{Handle: h, Path: p, Size: e.Size, Physical: e.Allocated, ModTime: e.ModTime}
		for _, o := range s.observers {
			o.FileRemoved(h)
			o.FileAdded(f)
		}
		s.spaceChanged(info.Parent)
		return nil
	}

	if info.Kind == tree.KindFile || !e.IsDir() {
		// Replaced by an object of the other kind.
		parent := info.Parent
		s.remove(h)
		if parent == tree.NoHandle {
			return nil
		}
		pc := s.context(parent)
		pc.en = s.generic
		e.Name = info.Name
		if ch, cc := s.attach(parent, pc, e); cc != nil {
			s.reopen(ch)
		}
		s.spaceChanged(parent)
		return nil
	}

	s.dropSubtree(h, false)
	if err := s.tree.Reset(h, e.ModTime); err != nil {
		return err
	}
	c := s.context(h)
	c.en = s.generic
	c.id = e.ID
	if e.IsReparse() && !info.IsRoot() && info.Parent != tree.NoHandle {
		c = s.follow(s.context(info.Parent), p, c.rel, e)
	}
	if c == nil {
		// Shown without children, as when it was first attached.
		if err := s.tree.MarkDone(h); err != nil {
			s.opts.Log.Error().Err(err).Msg("scan: mark done")
		}
	} else {
		s.cursors[h] = c
	}
	s.reopen(h)
	return nil
}

// context rebuilds the path fields of a cursor for an existing node.
func (s *Scheduler) context(h tree.Handle) *cursor {
	p := s.tree.Path(h)
	c := &cursor{path: p, real: realPath(p)}
	for n := h; ; {
		info, err := s.tree.Info(n)
		if err == nil {
			if n == h {
				c.seen = append(c.seen, c.real)
			} else {
				c.seen = append(c.seen, realPath(s.tree.Path(n)))
			}
		}
		if err != nil || info.IsRoot() {
			slices.Reverse(c.seen)
			if err == nil {
				if rel, err := filepath.Rel(info.Name, p); err == nil && rel != "." {
					c.rel = rel
				}
			}
			return c
		}
		n = info.Parent
	}
}

// reopen makes sure every ancestor of h has a cursor that leads to it.
func (s *Scheduler) reopen(h tree.Handle) {
	child := h
	for {
		info, err := s.tree.Info(child)
		if err != nil || info.Parent == tree.NoHandle {
			return
		}
		parent := info.Parent
		pc, ok := s.cursors[parent]
		if !ok {
			pc = s.context(parent)
			pc.read = true
			s.cursors[parent] = pc
		}
		found := false
		for _, p := range pc.pending {
			if p == child {
				found = true
				break
			}
		}
		if !found {
			pc.pending = append(pc.pending, child)
		}
		if ok {
			return
		}
		child = parent
	}
}

// Remove drops h and its subtree, as after an external delete.
func (s *Scheduler) Remove(h tree.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.tree.Info(h)
	if err != nil {
		return err
	}
	s.remove(h)
	s.spaceChanged(info.Parent)
	return nil
}

func (s *Scheduler) remove(h tree.Handle) {
	info, err := s.tree.Info(h)
	if err != nil {
		return
	}
	s.dropSubtree(h, true)
	if pc, ok := s.cursors[info.Parent]; ok {
		for i, p := range pc.pending {
			if p == h {
				pc.pending = append(pc.pending[:i], pc.pending[i+1:]...)
				break
			}
		}
	}
	if err := s.tree.Remove(h); err != nil {
		s.opts.Log.Error().Err(err).Msg("scan: remove")
	}
	if info.Parent == tree.NoHandle {
		clear(s.cursors)
	}
}

// dropSubtree tells observers about every file below h and forgets the
// cursors of its containers. h itself is included when self is set.
func (s *Scheduler) dropSubtree(h tree.Handle, self bool) {
	var files, dirs []tree.Handle
	s.tree.Walk(h, func(rel string, info tree.Info) bool {
		if rel == "" && !self {
			return true
		}
		switch {
		case info.Kind == tree.KindFile:
			files = append(files, info.Handle)
		case info.Kind.IsContainer():
			dirs = append(dirs, info.Handle)
		}
		return true
	})
	for _, f := range files {
		for _, o := range s.observers {
			o.FileRemoved(f)
		}
	}
	for _, d := range dirs {
		delete(s.cursors, d)
	}
}

// spaceChanged recomputes the pseudo children of the volume holding h
// once that volume is done.
func (s *Scheduler) spaceChanged(h tree.Handle) {
	for h != tree.NoHandle {
		info, err := s.tree.Info(h)
		if err != nil {
			return
		}
		if info.Kind == tree.KindVolume {
			if _, pending := s.cursors[h]; !pending {
				s.updateSpace(h, s.tree.Path(h))
			}
			return
		}
		h = info.Parent
	}
}
