package dupes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"volscan/internal/hash"
	"volscan/internal/hashcache"
	"volscan/internal/tree"
)

// fakeFS serves file contents from memory and counts hash calls.
type fakeFS struct {
	mu       sync.Mutex
	content  map[string][]byte
	calls    map[int64]int
	failures map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{content: map[string][]byte{}, calls: map[int64]int{}, failures: map[string]bool{}}
}

func (fs *fakeFS) hash(path string, limit int64) (uint64, error) {
	fs.mu.Lock()
	fs.calls[limit]++
	data, ok := fs.content[path]
	fail := fs.failures[path]
	fs.mu.Unlock()
	if !ok || fail {
		return 0, fmt.Errorf("failed to open file: %s", path)
	}
	if limit > 0 && int64(len(data)) > limit {
		data = data[:limit]
	}
	return hash.HashReader(bytes.NewReader(data))
}

func (fs *fakeFS) total() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, c := range fs.calls {
		n += c
	}
	return n
}

func (fs *fakeFS) file(h tree.Handle, path string, data []byte) File {
	fs.mu.Lock()
	fs.content[path] = data
	fs.mu.Unlock()
	return File{Handle: h, Path: path, Size: int64(len(data))}
}

func run(t *testing.T, d *Detector) {
	t.Helper()
	if err := d.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
}

func TestDetector_TenMiBCopy(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10<<20)
	for i := range data {
		data[i] = byte(i * 7)
	}
	orig := filepath.Join(dir, "a", "big.bin")
	cp := filepath.Join(dir, "b", "copy.bin")
	for _, p := range []string{orig, cp} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}
	}

	d := New(Options{})
	d.Submit(File{Handle: 1, Path: orig, Size: int64(len(data))})
	d.Submit(File{Handle: 2, Path: cp, Size: int64(len(data))})
	run(t, d)

	groups := d.Groups()
	if len(groups) != 1 {
		t.Fatalf("Expected 1 group, got %d", len(groups))
	}
	if len(groups[0].Files) != 2 {
		t.Errorf("Expected 2 members, got %d", len(groups[0].Files))
	}
	if groups[0].Wasted() != 10<<20 {
		t.Errorf("Expected 10 MiB wasted, got %d", groups[0].Wasted())
	}

	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(cp, data, 0644); err != nil {
		t.Fatalf("Failed to rewrite file: %v", err)
	}
	d.Submit(File{Handle: 2, Path: cp, Size: int64(len(data)), ModTime: time.Now()})
	run(t, d)

	if groups := d.Groups(); len(groups) != 0 {
		t.Errorf("Expected no groups after change, got %d", len(groups))
	}
}

func TestDetector_DifferentSizesNeverHashed(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash})
	d.Submit(fs.file(1, "/a", []byte("a")))
	d.Submit(fs.file(2, "/b", []byte("bb")))
	d.Submit(fs.file(3, "/c", []byte("ccc")))
	run(t, d)

	if n := fs.total(); n != 0 {
		t.Errorf("Expected no hashing, got %d calls", n)
	}
	if len(d.Groups()) != 0 {
		t.Error("Expected no groups")
	}
}

func TestDetector_SmallFilesSkipFullHash(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash, PrefixSize: 16})
	d.Submit(fs.file(1, "/x/a", []byte("same content")))
	d.Submit(fs.file(2, "/y/a", []byte("same content")))
	run(t, d)

	if fs.calls[0] != 0 {
		t.Errorf("Expected no full hashes, got %d", fs.calls[0])
	}
	if fs.calls[16] != 2 {
		t.Errorf("Expected 2 prefix hashes, got %d", fs.calls[16])
	}
	if len(d.Groups()) != 1 {
		t.Errorf("Expected 1 group, got %d", len(d.Groups()))
	}
}

func TestDetector_SharedPrefixDifferentTail(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash, PrefixSize: 4})
	d.Submit(fs.file(1, "/a", []byte("headAAAA")))
	d.Submit(fs.file(2, "/b", []byte("headBBBB")))
	d.Submit(fs.file(3, "/c", []byte("tailAAAA")))
	run(t, d)

	if fs.calls[4] != 3 {
		t.Errorf("Expected 3 prefix hashes, got %d", fs.calls[4])
	}
	if fs.calls[0] != 2 {
		t.Errorf("Expected 2 full hashes, got %d", fs.calls[0])
	}
	if len(d.Groups()) != 0 {
		t.Errorf("Expected no groups, got %d", len(d.Groups()))
	}
}

func TestDetector_ArrivalOrder(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash, PrefixSize: 4})

	d.Submit(fs.file(1, "/a", []byte("0123456789")))
	run(t, d)
	d.Submit(fs.file(2, "/odd", []byte("0123xxxxxx")))
	run(t, d)
	d.Submit(fs.file(3, "/b", []byte("0123456789")))
	run(t, d)

	groups := d.Groups()
	if len(groups) != 1 {
		t.Fatalf("Expected 1 group, got %d", len(groups))
	}
	got := groups[0].Files
	if len(got) != 2 || got[0].Path != "/a" || got[1].Path != "/b" {
		t.Errorf("Expected /a and /b, got %+v", got)
	}
}

func TestDetector_ClusterShrink(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash})
	d.Submit(fs.file(1, "/a", []byte("payload")))
	d.Submit(fs.file(2, "/b", []byte("payload")))
	run(t, d)

	created := d.Events().Drain()
	if len(created) != 3 {
		t.Fatalf("Expected GroupCreated and two MemberAdded, got %v", created)
	}
	if _, ok := created[0].(GroupCreated); !ok {
		t.Errorf("Expected GroupCreated first, got %T", created[0])
	}

	d.Remove(1)
	if len(d.Groups()) != 0 {
		t.Errorf("Expected zero groups, got %d", len(d.Groups()))
	}
	removed := d.Events().Drain()
	if len(removed) != 3 {
		t.Fatalf("Expected two MemberRemoved and GroupRemoved, got %v", removed)
	}
	if ev, ok := removed[0].(MemberRemoved); !ok || ev.Handle != 1 {
		t.Errorf("Expected removal of handle 1 first, got %#v", removed[0])
	}
	if ev, ok := removed[1].(MemberRemoved); !ok || ev.Handle != 2 {
		t.Errorf("Expected removal of the survivor, got %#v", removed[1])
	}
	if _, ok := removed[2].(GroupRemoved); !ok {
		t.Errorf("Expected GroupRemoved last, got %T", removed[2])
	}

	// The survivor pairs up again with a new copy.
	d.Submit(fs.file(3, "/c", []byte("payload")))
	run(t, d)
	if len(d.Groups()) != 1 {
		t.Errorf("Expected group to reform, got %d", len(d.Groups()))
	}
}

func TestDetector_ThreeMembersRemoveOne(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash})
	for i, p := range []string{"/a", "/b", "/c"} {
		d.Submit(fs.file(tree.Handle(i+1), p, []byte("triplet")))
	}
	run(t, d)
	if g := d.Groups(); len(g) != 1 || len(g[0].Files) != 3 {
		t.Fatalf("Expected one group of 3, got %+v", g)
	}
	d.Events().Drain()

	d.Remove(2)
	g := d.Groups()
	if len(g) != 1 || len(g[0].Files) != 2 {
		t.Fatalf("Expected one group of 2, got %+v", g)
	}
	evs := d.Events().Drain()
	if len(evs) != 1 {
		t.Errorf("Expected a single MemberRemoved, got %v", evs)
	}
	d.Remove(2)
	if len(d.Events().Drain()) != 0 {
		t.Error("Removing an unknown handle should be a no-op")
	}
}

func TestDetector_Unhashable(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash})
	d.Submit(fs.file(1, "/a", []byte("data")))
	d.Submit(fs.file(2, "/locked", []byte("data")))
	fs.failures["/locked"] = true
	d.Submit(fs.file(3, "/empty1", nil))
	d.Submit(fs.file(4, "/empty2", nil))
	run(t, d)

	if len(d.Groups()) != 0 {
		t.Errorf("Expected no groups, got %d", len(d.Groups()))
	}
	s := d.Stats()
	if s.Unhashable != 3 {
		t.Errorf("Expected 3 unhashable files, got %d", s.Unhashable)
	}
	if s.Files != 4 {
		t.Errorf("Expected 4 files, got %d", s.Files)
	}

	before := fs.total()
	d.Submit(fs.file(5, "/c", []byte("data")))
	run(t, d)
	if len(d.Groups()) != 1 {
		t.Errorf("Expected /a and /c to group, got %d groups", len(d.Groups()))
	}
	if fs.total()-before != 1 {
		t.Errorf("Expected only /c to be hashed, got %d calls", fs.total()-before)
	}
}

func TestDetector_RemovedWhileQueued(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash})
	d.Submit(fs.file(1, "/a", []byte("same")))
	d.Submit(fs.file(2, "/b", []byte("same")))
	d.Remove(2)
	run(t, d)

	if len(d.Groups()) != 0 {
		t.Errorf("Expected no groups, got %d", len(d.Groups()))
	}
	if s := d.Stats(); s.Partial != 1 {
		t.Errorf("Expected only the live member's sum published, got %d", s.Partial)
	}
}

func TestDetector_Workers(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash, PrefixSize: 8})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx, 4)

	const pairs = 50
	for i := 0; i < pairs; i++ {
		content := []byte(fmt.Sprintf("file-content-%04d-padding", i))
		d.Submit(fs.file(tree.Handle(2*i+1), fmt.Sprintf("/x/%d", i), content))
		d.Submit(fs.file(tree.Handle(2*i+2), fmt.Sprintf("/y/%d", i), content))
	}
	d.Wait()
	d.Close()

	if got := len(d.Groups()); got != pairs {
		t.Errorf("Expected %d groups, got %d", pairs, got)
	}
}

type memCache struct {
	mu sync.Mutex
	m  map[hashcache.Key]uint64
}

func (c *memCache) Get(k hashcache.Key) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.m[k]
	return s, ok, nil
}

func (c *memCache) Put(k hashcache.Key, sum uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[k] = sum
	return nil
}

func TestDetector_Cache(t *testing.T) {
	fs := newFakeFS()
	cache := &memCache{m: map[hashcache.Key]uint64{}}
	files := []File{
		fs.file(1, "/a", bytes.Repeat([]byte("z"), 64)),
		fs.file(2, "/b", bytes.Repeat([]byte("z"), 64)),
	}

	first := New(Options{Hash: fs.hash, Cache: cache, PrefixSize: 16})
	for _, f := range files {
		first.Submit(f)
	}
	run(t, first)
	calls := fs.total()
	if calls != 4 {
		t.Fatalf("Expected 4 hashes on a cold cache, got %d", calls)
	}

	second := New(Options{Hash: fs.hash, Cache: cache, PrefixSize: 16})
	for _, f := range files {
		second.Submit(f)
	}
	run(t, second)
	if fs.total() != calls {
		t.Errorf("Expected warm cache to avoid hashing, got %d new calls", fs.total()-calls)
	}
	if len(second.Groups()) != 1 {
		t.Errorf("Expected 1 group, got %d", len(second.Groups()))
	}
}

func TestDetector_CancelledProcess(t *testing.T) {
	fs := newFakeFS()
	d := New(Options{Hash: fs.hash})
	d.Submit(fs.file(1, "/a", []byte("same")))
	d.Submit(fs.file(2, "/b", []byte("same")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Process(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if fs.total() != 0 {
		t.Errorf("Expected no hashing after cancel, got %d", fs.total())
	}
	d.Wait()
}
