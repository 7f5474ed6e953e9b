package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"volscan/internal/config"
	"volscan/internal/dupes"
	"volscan/internal/enum"
	"volscan/internal/events"
	"volscan/internal/hashcache"
	"volscan/internal/ntfs"
	"volscan/internal/topn"
	"volscan/internal/tree"
	"volscan/internal/volume"
)

// ErrNoRoot is returned by Open when a scan root cannot be opened.
var ErrNoRoot = errors.New("scan root unavailable")

// Session ties one scan together: the tree, the scheduler that fills it
// and the analyses fed from it.
type Session struct {
	Tree      *tree.Tree
	Scheduler *Scheduler
	Dupes     *dupes.Detector
	Top       *topn.Tracker

	cfg     *config.Config
	log     zerolog.Logger
	cache   *hashcache.Cache
	changes *events.Queue[tree.Event]
}

// Open prepares a scan of paths. Several paths are gathered under a
// computer node. Volume roots use the NTFS index when the fast path is
// enabled and available, and the generic enumerator otherwise.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger, paths ...string) (*Session, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no paths given", ErrNoRoot)
	}
	roots := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNoRoot, p, err)
		}
		e, err := enum.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoRoot, err)
		}
		if !e.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrNoRoot, abs)
		}
		roots = append(roots, abs)
	}

	s := &Session{
		Top:     topn.New(cfg.Top),
		cfg:     cfg,
		log:     log,
		changes: events.NewQueue[tree.Event](),
	}
	dopts := dupes.Options{PrefixSize: cfg.PartialHashSize, Log: log}
	if cfg.HashCache != "" {
		cache, err := hashcache.Open(cfg.HashCache)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.HashCache).Msg("hash cache disabled")
		} else {
			s.cache = cache
			dopts.Cache = cache
		}
	}
	s.Dupes = dupes.New(dopts)
	s.Tree = tree.New(s.changes.Push)
	s.Scheduler = NewScheduler(s.Tree, Options{
		Exclude:           cfg.Exclude,
		FollowSymlinks:    cfg.FollowSymlinks,
		FollowJunctions:   cfg.FollowJunctions,
		FollowMountPoints: cfg.FollowMountPoints,
		ShowFreeSpace:     cfg.ShowFreeSpace,
		ShowUnknownSpace:  cfg.ShowUnknownSpace,
		Log:               log,
	}, dupesObserver{s.Dupes}, topObserver{s.Top})

	parent := tree.NoHandle
	if len(roots) > 1 {
		parent = s.Scheduler.SetComputer()
	}
	for _, root := range roots {
		kind := tree.KindDirectory
		if volume.IsRoot(root) {
			kind = tree.KindVolume
		}
		en, id := s.enumerator(ctx, root, kind)
		if _, err := s.Scheduler.AddRoot(parent, root, kind, en, id); err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %v", ErrNoRoot, err)
		}
	}
	return s, nil
}

func (s *Session) enumerator(ctx context.Context, root string, kind tree.Kind) (enum.Enumerator, uint64) {
	if kind != tree.KindVolume || !s.cfg.FastPath {
		return enum.NewGeneric(), 0
	}
	idx, err := ntfs.Load(ctx, root, s.cfg.NTFSDevice, ntfs.Options{Log: s.log})
	if err != nil {
		s.log.Info().Err(err).Str("root", root).Msg("fast path unavailable, using generic enumerator")
		return enum.NewGeneric(), 0
	}
	return idx, ntfs.RootRecord
}

// Changes returns the queue of tree notifications.
func (s *Session) Changes() *events.Queue[tree.Event] { return s.changes }

// Run scans until the tree is complete and every duplicate candidate
// has been hashed. onTick runs between scheduler steps.
func (s *Session) Run(ctx context.Context, onTick func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.Dupes.Start(ctx, s.cfg.HashWorkers)
	if err := s.Scheduler.Run(ctx, s.cfg.Slice, onTick); err != nil {
		s.Dupes.Close()
		return fmt.Errorf("failed to scan: %w", err)
	}

	idle := make(chan struct{})
	go func() {
		s.Dupes.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		s.Dupes.Close()
		<-idle
		return fmt.Errorf("failed to hash: %w", ctx.Err())
	}
	s.DrainDuplicates()
	return nil
}

// DrainDuplicates applies pending detector events to the duplicate flag
// of the tree nodes and returns them.
func (s *Session) DrainDuplicates() []dupes.Event {
	evs := s.Dupes.Events().Drain()
	for _, ev := range evs {
		switch ev := ev.(type) {
		case dupes.MemberAdded:
			s.Tree.SetFlag(ev.File.Handle, tree.FlagDuplicate, true)
		case dupes.MemberRemoved:
			s.Tree.SetFlag(ev.Handle, tree.FlagDuplicate, false)
		}
	}
	return evs
}

// Refresh re-reads the node at path and finishes the scan of it on the
// calling goroutine.
func (s *Session) Refresh(ctx context.Context, path string) error {
	h, err := s.lookup(path)
	if err != nil {
		return err
	}
	if err := s.Scheduler.Refresh(h); err != nil {
		return fmt.Errorf("failed to refresh %s: %w", path, err)
	}
	if err := s.Scheduler.Run(ctx, s.cfg.Slice, nil); err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}
	if err := s.Dupes.Process(ctx); err != nil {
		return fmt.Errorf("failed to hash: %w", err)
	}
	s.DrainDuplicates()
	return nil
}

// Remove drops the node at path after it was deleted outside the scan.
func (s *Session) Remove(path string) error {
	h, err := s.lookup(path)
	if err != nil {
		return err
	}
	var gone []string
	if s.cache != nil {
		base := s.Tree.Path(h)
		s.Tree.Walk(h, func(rel string, info tree.Info) bool {
			if info.Kind == tree.KindFile {
				gone = append(gone, filepath.Join(base, filepath.FromSlash(rel)))
			}
			return true
		})
	}
	if err := s.Scheduler.Remove(h); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	for _, p := range gone {
		if err := s.cache.Delete(p); err != nil {
			s.log.Warn().Err(err).Str("path", p).Msg("failed to drop cached hash")
		}
	}
	s.DrainDuplicates()
	return nil
}

func (s *Session) lookup(path string) (tree.Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return tree.NoHandle, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	h := s.Tree.Lookup(abs)
	if h == tree.NoHandle {
		return tree.NoHandle, fmt.Errorf("%w: %s", tree.ErrNoNode, abs)
	}
	return h, nil
}

// Progress is a snapshot of the scan totals.
type Progress struct {
	Files     int64
	Dirs      int64
	Bytes     int64
	Allocated int64
	Pending   int64
	Done      bool
}

func (s *Session) Progress() Progress {
	info, err := s.Tree.Info(s.Tree.Root())
	if err != nil {
		return Progress{Done: true}
	}
	return Progress{
		Files:     info.Files,
		Dirs:      info.Subdirs,
		Bytes:     info.Size,
		Allocated: info.Physical,
		Pending:   info.ReadJobs,
		Done:      info.Done,
	}
}

// Close releases the hash cache and stops the detector.
func (s *Session) Close() error {
	s.Dupes.Close()
	s.changes.Close()
	if s.cache != nil {
		cache := s.cache
		s.cache = nil
		if err := cache.Close(); err != nil {
			return fmt.Errorf("failed to close hash cache: %w", err)
		}
	}
	return nil
}

type dupesObserver struct{ d *dupes.Detector }

func (o dupesObserver) FileAdded(f File) {
	o.d.Submit(dupes.File{Handle: f.Handle, Path: f.Path, Size: f.Size, ModTime: f.ModTime})
}

func (o dupesObserver) FileRemoved(h tree.Handle) { o.d.Remove(h) }

type topObserver struct{ t *topn.Tracker }

func (o topObserver) FileAdded(f File) {
	o.t.Add(topn.Item{Handle: f.Handle, Path: f.Path, Size: f.Size})
}

func (o topObserver) FileRemoved(h tree.Handle) { o.t.Remove(h) }
