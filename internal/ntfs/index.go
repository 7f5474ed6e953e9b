// Package ntfs builds an in-memory index of an NTFS volume straight from
// its master file table and answers directory enumerations from it.
package ntfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"volscan/internal/enum"
	"volscan/internal/fsattr"
)

var (
	// ErrUnavailable means the fast path cannot serve this volume; the
	// caller falls back to the generic enumerator.
	ErrUnavailable = errors.New("ntfs fast path unavailable")
	// ErrBadRecord marks a corrupt MFT record. Such records are skipped.
	ErrBadRecord = errors.New("bad mft record")
)

const (
	// RootRecord is the MFT record of the volume's root directory.
	RootRecord = 5
	// Records below this number are reserved for metadata files.
	firstUserRecord = 16

	defaultChunkSize = 4 << 20
	bootReadSize     = 4096
)

// Options tunes the index build.
type Options struct {
	Workers   int
	ChunkSize int64
	Log       zerolog.Logger
}

// Stats summarizes an index build.
type Stats struct {
	Records int
	InUse   int
	Skipped int
}

type child struct {
	name string
	id   uint64
}

type shard struct {
	files    map[uint64]*fileInfo
	ext      map[uint64]uint64
	children map[uint64][]child
	records  int
	skipped  int
}

func newShard() *shard {
	return &shard{
		files:    make(map[uint64]*fileInfo),
		ext:      make(map[uint64]uint64),
		children: make(map[uint64][]child),
	}
}

// Index maps MFT records to metadata and parents to children. It is
// immutable once Build returns and safe for concurrent lookups.
type Index struct {
	files    map[uint64]*fileInfo
	children map[uint64][]child
	stats    Stats
}

// extent is a contiguous run of the MFT on the volume.
type extent struct {
	volOff int64 // byte offset on the volume
	mftOff int64 // byte offset inside the MFT stream
	length int64
}

// Build reads the MFT of the volume behind r and indexes it.
func Build(ctx context.Context, r io.ReaderAt, opts Options) (*Index, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	sector := make([]byte, bootReadSize)
	if n, err := r.ReadAt(sector, 0); n < 512 {
		return nil, fmt.Errorf("%w: failed to read boot sector: %v", ErrUnavailable, err)
	}
	boot, err := ParseBoot(sector)
	if err != nil {
		return nil, err
	}

	extents, err := locateMFT(r, boot)
	if err != nil {
		return nil, err
	}

	chunk := opts.ChunkSize - opts.ChunkSize%int64(boot.RecordSize)
	if chunk <= 0 {
		chunk = int64(boot.RecordSize)
	}
	pieces := mftPieces(extents, chunk)

	shards := make([]*shard, len(pieces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, p := range pieces {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			buf := make([]byte, p.length)
			if err := readMFT(r, extents, buf, p.mftOff); err != nil {
				return err
			}
			s := newShard()
			rs := int64(boot.RecordSize)
			off := int64(0)
			for ; off+rs <= p.length; off += rs {
				s.add(buf[off:off+rs], uint64((p.mftOff+off)/rs), opts.Log)
			}
			if off < p.length {
				// A record cut short by a hole in the run list.
				s.records++
				s.skipped++
				opts.Log.Debug().Int64("offset", p.mftOff+off).Msg("ntfs: skipping truncated record")
			}
			shards[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := merge(shards)
	opts.Log.Debug().
		Int("records", idx.stats.Records).
		Int("in_use", idx.stats.InUse).
		Int("skipped", idx.stats.Skipped).
		Msg("ntfs: index built")
	return idx, nil
}

// locateMFT reads record 0 ($MFT) and turns its unnamed $DATA run list
// into volume extents, trimmed to the valid data length.
func locateMFT(r io.ReaderAt, boot Boot) ([]extent, error) {
	buf := make([]byte, boot.RecordSize)
	if _, err := r.ReadAt(buf, boot.MFTOffset()); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to read $MFT record: %v", ErrUnavailable, err)
	}
	if string(buf[:4]) != "FILE" {
		return nil, fmt.Errorf("%w: $MFT record has bad signature", ErrUnavailable)
	}
	if err := applyFixup(buf); err != nil {
		return nil, fmt.Errorf("%w: $MFT record: %v", ErrUnavailable, err)
	}

	f := fields{b: buf}
	off := int(f.u16(0x14))
	for !f.bad && off+8 <= len(buf) {
		typ := f.u32(off)
		if typ == attrEnd {
			break
		}
		length := int(f.u32(off + 4))
		if length < 0x10 || off+length > len(buf) {
			break
		}
		if typ == attrData && buf[off+8] != 0 && buf[off+9] == 0 {
			a := fields{b: buf[off : off+length]}
			runsOff := int(a.u16(0x20))
			size := int64(a.u64(0x30))
			if a.bad || runsOff >= length {
				break
			}
			runs, err := decodeRuns(buf[off+runsOff : off+length])
			if err != nil {
				return nil, fmt.Errorf("%w: $MFT run list: %v", ErrUnavailable, err)
			}
			return runsToExtents(runs, boot.ClusterSize, size), nil
		}
		off += length
	}
	return nil, fmt.Errorf("%w: $MFT has no non-resident data", ErrUnavailable)
}

// piece is a slice of the MFT stream read by one worker.
type piece struct{ mftOff, length int64 }

// mftPieces cuts the MFT stream into pieces of at most chunk bytes.
// Extents that follow each other in the stream are read as one span, so
// records split across fragments stay whole. chunk must be a multiple
// of the record size.
func mftPieces(extents []extent, chunk int64) []piece {
	var pieces []piece
	for i := 0; i < len(extents); {
		start, end := extents[i].mftOff, extents[i].mftOff+extents[i].length
		for i++; i < len(extents) && extents[i].mftOff == end; i++ {
			end += extents[i].length
		}
		for off := start; off < end; off += chunk {
			pieces = append(pieces, piece{off, min(chunk, end-off)})
		}
	}
	return pieces
}

// readMFT fills buf with the MFT stream starting at mftOff, gathering
// the bytes from every extent that overlaps it.
func readMFT(r io.ReaderAt, extents []extent, buf []byte, mftOff int64) error {
	end := mftOff + int64(len(buf))
	for _, e := range extents {
		lo, hi := max(mftOff, e.mftOff), min(end, e.mftOff+e.length)
		if lo >= hi {
			continue
		}
		vol := e.volOff + lo - e.mftOff
		if _, err := r.ReadAt(buf[lo-mftOff:hi-mftOff], vol); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read mft at %d: %w", vol, err)
		}
	}
	return nil
}

func runsToExtents(runs []dataRun, cluster, size int64) []extent {
	var out []extent
	var mftOff int64
	for _, run := range runs {
		n := run.length * cluster
		if mftOff+n > size {
			n = size - mftOff
		}
		if n <= 0 {
			break
		}
		if run.lcn >= 0 {
			out = append(out, extent{volOff: run.lcn * cluster, mftOff: mftOff, length: n})
		}
		mftOff += n
	}
	return out
}

func (s *shard) add(buf []byte, id uint64, log zerolog.Logger) {
	s.records++
	rec, inUse, err := parseRecord(buf, id)
	if err != nil {
		s.skipped++
		log.Debug().Err(err).Uint64("record", id).Msg("ntfs: skipping record")
		return
	}
	if !inUse {
		return
	}
	info := rec.info
	s.files[id] = &info
	target := id
	if rec.base != 0 {
		s.ext[id] = rec.base
		target = rec.base
	}
	for _, n := range rec.names {
		s.children[n.parent] = append(s.children[n.parent], child{name: n.name, id: target})
	}
}

// merge folds the shards into one index. It runs single-threaded after
// all workers are done.
func merge(shards []*shard) *Index {
	idx := &Index{
		files:    make(map[uint64]*fileInfo),
		children: make(map[uint64][]child),
	}
	ext := make(map[uint64]uint64)
	for _, s := range shards {
		if s == nil {
			continue
		}
		for id, f := range s.files {
			idx.files[id] = f
		}
		for id, base := range s.ext {
			ext[id] = base
		}
		for p, cs := range s.children {
			idx.children[p] = append(idx.children[p], cs...)
		}
		idx.stats.Records += s.records
		idx.stats.Skipped += s.skipped
	}

	for id, base := range ext {
		if b, ok := idx.files[base]; ok {
			b.fold(idx.files[id])
		}
		delete(idx.files, id)
	}

	for parent, cs := range idx.children {
		kept := cs[:0]
		for _, c := range cs {
			if c.id == parent {
				continue
			}
			if parent == RootRecord && c.id < firstUserRecord {
				continue
			}
			if _, ok := idx.files[c.id]; !ok {
				continue
			}
			kept = append(kept, c)
		}
		sort.Slice(kept, func(i, j int) bool {
			a, b := strings.ToLower(kept[i].name), strings.ToLower(kept[j].name)
			if a != b {
				return a < b
			}
			return kept[i].name < kept[j].name
		})
		idx.children[parent] = dedupe(kept)
	}
	idx.stats.InUse = len(idx.files)
	return idx
}

func dedupe(cs []child) []child {
	out := cs[:0]
	for i, c := range cs {
		if i > 0 && c == cs[i-1] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// fold merges attributes found in an extension record into the base.
func (f *fileInfo) fold(x *fileInfo) {
	if x == nil {
		return
	}
	if !f.hasStd && x.hasStd {
		f.attr |= x.attr
		f.modTime = x.modTime
		f.hasStd = true
	}
	if !f.hasData && x.hasData {
		f.size, f.alloc = x.size, x.alloc
		f.hasData = true
	}
	if f.reparse.Tag == 0 && x.reparse.Tag != 0 {
		f.reparse = x.reparse
	}
}

func (idx *Index) Stats() Stats { return idx.stats }

// Entry describes one record as an enumeration entry.
func (idx *Index) Entry(id uint64) (enum.Entry, bool) {
	f, ok := idx.files[id]
	if !ok {
		return enum.Entry{}, false
	}
	e := enum.Entry{
		Attr:    f.attr,
		ModTime: fsattr.FromFiletime(f.modTime),
		Reparse: f.reparse,
		ID:      id,
	}
	if !e.IsDir() {
		e.Size = f.size
		e.Allocated = f.alloc
	}
	if e.IsReparse() && e.Reparse.Tag == 0 {
		e.Reparse.Kind = fsattr.ReparseOther
	}
	return e, true
}

// Open lists the children of the directory record dir.ID.
func (idx *Index) Open(dir enum.Dir) (enum.Iterator, error) {
	if _, ok := idx.files[dir.ID]; !ok {
		return nil, fmt.Errorf("%w: %s: record %d not in index", enum.ErrUnreadable, dir.Path, dir.ID)
	}
	return &indexIter{idx: idx, children: idx.children[dir.ID]}, nil
}

type indexIter struct {
	idx      *Index
	children []child
	pos      int
}

func (it *indexIter) Next() (enum.Entry, bool) {
	for it.pos < len(it.children) {
		c := it.children[it.pos]
		it.pos++
		e, ok := it.idx.Entry(c.id)
		if !ok {
			continue
		}
		e.Name = c.name
		return e, true
	}
	return enum.Entry{}, false
}

func (it *indexIter) Close() error { return nil }
