// Package dupes finds files with identical content. Files are bucketed
// by size; only buckets with a partner are hashed, first over a prefix
// and then in full.
package dupes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"volscan/internal/events"
	"volscan/internal/hash"
	"volscan/internal/hashcache"
	"volscan/internal/tree"
)

const DefaultPrefixSize = 1 << 20

// File is a completed file node handed to the detector.
type File struct {
	Handle  tree.Handle
	Path    string
	Size    int64
	ModTime time.Time
}

// SumCache stores sums between runs.
type SumCache interface {
	Get(k hashcache.Key) (uint64, bool, error)
	Put(k hashcache.Key, sum uint64) error
}

// HashFunc hashes the first limit bytes of a file, all of it if limit
// is 0.
type HashFunc func(path string, limit int64) (uint64, error)

type Options struct {
	PrefixSize int64
	Cache      SumCache
	Hash       HashFunc
	Log        zerolog.Logger
}

type level int

const (
	partial level = iota
	full
)

func (l level) String() string {
	if l == partial {
		return "partial"
	}
	return "full"
}

type member struct {
	file       File
	unhashable bool
	sums       [2]uint64
	has        [2]bool
	queued     [2]bool
}

// GroupKey identifies a duplicate group: the size and full sum shared by
// its members.
type GroupKey struct {
	Size int64
	Sum  uint64
}

type clusterKey = GroupKey

type set map[*member]struct{}

type job struct {
	m   *member
	lvl level
}

// Stats counts detector work.
type Stats struct {
	Files      int
	Unhashable int
	Partial    int
	Full       int
	Groups     int
	Wasted     int64
}

// Detector is safe for concurrent use. Bucket state is guarded by one
// mutex; hashing happens with it released.
type Detector struct {
	opts Options

	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
	members  map[tree.Handle]*member
	bySize   map[int64]set
	clusters [2]map[clusterKey]set
	groups   map[GroupKey]bool
	partials int
	fulls    int
	closed   bool

	jobs   *events.Queue[job]
	events *events.Queue[Event]
}

func New(opts Options) *Detector {
	if opts.PrefixSize <= 0 {
		opts.PrefixSize = DefaultPrefixSize
	}
	if opts.Hash == nil {
		opts.Hash = hash.HashFile
	}
	d := &Detector{
		opts:    opts,
		members: make(map[tree.Handle]*member),
		bySize:  make(map[int64]set),
		groups:  make(map[GroupKey]bool),
		jobs:    events.NewQueue[job](),
		events:  events.NewQueue[Event](),
	}
	d.clusters[partial] = make(map[clusterKey]set)
	d.clusters[full] = make(map[clusterKey]set)
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Events returns the queue of group changes for the consumer to drain.
func (d *Detector) Events() *events.Queue[Event] { return d.events }

// Submit adds a completed file. A file already known under the same
// handle is replaced.
func (d *Detector) Submit(f File) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.members[f.Handle]; ok {
		d.remove(f.Handle)
	}
	m := &member{file: f}
	d.members[f.Handle] = m
	if f.Size <= 0 {
		m.unhashable = true
		return
	}
	b := d.bySize[f.Size]
	if b == nil {
		b = make(set)
		d.bySize[f.Size] = b
	}
	b[m] = struct{}{}
	d.advance(b, partial)
}

// advance schedules lvl hashes for every member of a bucket that has a
// hashable partner.
func (d *Detector) advance(b set, lvl level) {
	candidates := 0
	for m := range b {
		if !m.unhashable {
			candidates++
		}
	}
	if candidates < 2 {
		return
	}
	for m := range b {
		if m.unhashable || m.has[lvl] || m.queued[lvl] || d.closed {
			continue
		}
		if lvl == full && m.file.Size <= d.opts.PrefixSize {
			d.publish(m, full, m.sums[partial])
			continue
		}
		m.queued[lvl] = true
		d.inflight++
		d.jobs.Push(job{m: m, lvl: lvl})
	}
}

// publish records a sum and re-checks the member's cluster. It runs for
// every arriving sum, so the last member of a pair to finish always
// sees its partner.
func (d *Detector) publish(m *member, lvl level, sum uint64) {
	m.sums[lvl] = sum
	m.has[lvl] = true
	key := clusterKey{Size: m.file.Size, Sum: sum}
	c := d.clusters[lvl][key]
	if c == nil {
		c = make(set)
		d.clusters[lvl][key] = c
	}
	c[m] = struct{}{}

	if lvl == partial {
		d.partials++
		d.advance(c, full)
		return
	}
	d.fulls++
	if len(c) < 2 {
		return
	}
	if !d.groups[key] {
		d.groups[key] = true
		d.events.Push(GroupCreated{Group: key})
		for _, f := range c.files() {
			d.events.Push(MemberAdded{Group: key, File: f})
		}
		return
	}
	d.events.Push(MemberAdded{Group: key, File: m.file})
}

func (c set) files() []File {
	out := make([]File, 0, len(c))
	for m := range c {
		out = append(out, m.file)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Remove purges a file from every bucket and cluster. Groups left with a
// single member are dissolved.
func (d *Detector) Remove(h tree.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remove(h)
}

func (d *Detector) remove(h tree.Handle) {
	m, ok := d.members[h]
	if !ok {
		return
	}
	delete(d.members, h)
	if b := d.bySize[m.file.Size]; b != nil {
		delete(b, m)
		if len(b) == 0 {
			delete(d.bySize, m.file.Size)
		}
	}
	if m.has[partial] {
		d.dropFrom(partial, clusterKey{m.file.Size, m.sums[partial]}, m)
	}
	if !m.has[full] {
		return
	}
	key := clusterKey{m.file.Size, m.sums[full]}
	c := d.dropFrom(full, key, m)
	if !d.groups[key] {
		return
	}
	d.events.Push(MemberRemoved{Group: key, Handle: h})
	if len(c) >= 2 {
		return
	}
	for _, f := range c.files() {
		d.events.Push(MemberRemoved{Group: key, Handle: f.Handle})
	}
	delete(d.groups, key)
	d.events.Push(GroupRemoved{Group: key})
}

func (d *Detector) dropFrom(lvl level, key clusterKey, m *member) set {
	c := d.clusters[lvl][key]
	delete(c, m)
	if len(c) == 0 {
		delete(d.clusters[lvl], key)
	}
	return c
}

// Start runs n hashing workers until ctx is done or Close is called.
func (d *Detector) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go func() {
			for {
				j, ok := d.jobs.Pop(ctx)
				if !ok {
					return
				}
				d.run(ctx, j)
			}
		}()
	}
}

// Process runs queued hash jobs on the calling goroutine until none are
// left. It is the single-threaded alternative to Start.
func (d *Detector) Process(ctx context.Context) error {
	for {
		batch := d.jobs.Drain()
		if len(batch) == 0 {
			return ctx.Err()
		}
		for _, j := range batch {
			d.run(ctx, j)
		}
	}
}

// Wait blocks until every scheduled hash has been published or dropped.
// Jobs only complete while workers run or Process is called.
func (d *Detector) Wait() {
	d.mu.Lock()
	for d.inflight > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Close stops the workers. Queued jobs are abandoned.
func (d *Detector) Close() {
	d.mu.Lock()
	d.closed = true
	d.jobs.Close()
	for _, j := range d.jobs.Drain() {
		j.m.queued[j.lvl] = false
		d.inflight--
	}
	d.idle.Broadcast()
	d.mu.Unlock()
}

func (d *Detector) run(ctx context.Context, j job) {
	var sum uint64
	var err error
	if err = ctx.Err(); err == nil {
		sum, err = d.sum(j.m.file, j.lvl)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		d.inflight--
		if d.inflight == 0 {
			d.idle.Broadcast()
		}
	}()

	j.m.queued[j.lvl] = false
	if d.members[j.m.file.Handle] != j.m {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		d.opts.Log.Debug().Err(err).Str("path", j.m.file.Path).Msg("dupes: file unhashable")
		d.markUnhashable(j.m)
		return
	}
	d.publish(j.m, j.lvl, sum)
}

func (d *Detector) markUnhashable(m *member) {
	m.unhashable = true
	if m.has[partial] {
		d.dropFrom(partial, clusterKey{m.file.Size, m.sums[partial]}, m)
		m.has[partial] = false
	}
}

func (d *Detector) sum(f File, lvl level) (uint64, error) {
	limit := int64(0)
	if lvl == partial {
		limit = d.opts.PrefixSize
	}
	key := hashcache.Key{Path: f.Path, Size: f.Size, ModTime: f.ModTime, Limit: limit}
	if d.opts.Cache != nil {
		if s, ok, err := d.opts.Cache.Get(key); err == nil && ok {
			return s, nil
		}
	}
	s, err := d.opts.Hash(f.Path, limit)
	if err != nil {
		return 0, err
	}
	if d.opts.Cache != nil {
		if err := d.opts.Cache.Put(key, s); err != nil {
			d.opts.Log.Warn().Err(err).Msg("dupes: failed to cache hash")
		}
	}
	return s, nil
}

// Group is a snapshot of one duplicate group.
type Group struct {
	Key   GroupKey
	Files []File
}

// Wasted is the space the group would free if one copy were kept.
func (g Group) Wasted() int64 {
	return g.Key.Size * int64(len(g.Files)-1)
}

// Groups returns the current duplicate groups, most wasted space first.
func (d *Detector) Groups() []Group {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Group, 0, len(d.groups))
	for key := range d.groups {
		out = append(out, Group{Key: key, Files: d.clusters[full][key].files()})
	}
	sort.Slice(out, func(i, j int) bool {
		if wi, wj := out[i].Wasted(), out[j].Wasted(); wi != wj {
			return wi > wj
		}
		if out[i].Key.Size != out[j].Key.Size {
			return out[i].Key.Size > out[j].Key.Size
		}
		return out[i].Key.Sum < out[j].Key.Sum
	})
	return out
}

func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{Files: len(d.members), Partial: d.partials, Full: d.fulls, Groups: len(d.groups)}
	for _, m := range d.members {
		if m.unhashable {
			s.Unhashable++
		}
	}
	for key := range d.groups {
		s.Wasted += key.Size * int64(len(d.clusters[full][key])-1)
	}
	return s
}
