// Package topn keeps the largest files seen during a scan.
package topn

import (
	"container/heap"
	"sort"
	"sync"

	"volscan/internal/tree"
)

type Item struct {
	Handle tree.Handle
	Path   string
	Size   int64
}

// less orders items smallest first; the heap root is evicted first.
func less(a, b Item) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Path > b.Path
}

type itemHeap struct {
	items []Item
	index map[tree.Handle]int
}

func (h *itemHeap) Len() int           { return len(h.items) }
func (h *itemHeap) Less(i, j int) bool { return less(h.items[i], h.items[j]) }
func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].Handle] = i
	h.index[h.items[j].Handle] = j
}

func (h *itemHeap) Push(x any) {
	it := x.(Item)
	h.index[it.Handle] = len(h.items)
	h.items = append(h.items, it)
}

func (h *itemHeap) Pop() any {
	n := len(h.items) - 1
	it := h.items[n]
	h.items = h.items[:n]
	delete(h.index, it.Handle)
	return it
}

// Tracker holds at most Limit items. It is safe for concurrent use.
// Removed items are not replaced by smaller files seen earlier.
type Tracker struct {
	mu    sync.Mutex
	limit int
	h     itemHeap
}

func New(limit int) *Tracker {
	if limit < 0 {
		limit = 0
	}
	return &Tracker{limit: limit, h: itemHeap{index: make(map[tree.Handle]int)}}
}

// Add offers a file. An item with the same handle is replaced.
func (t *Tracker) Add(it Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.h.index[it.Handle]; ok {
		heap.Remove(&t.h, i)
	}
	if t.limit == 0 {
		return
	}
	if t.h.Len() < t.limit {
		heap.Push(&t.h, it)
		return
	}
	if less(t.h.items[0], it) {
		heap.Pop(&t.h)
		heap.Push(&t.h, it)
	}
}

func (t *Tracker) Remove(h tree.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.h.index[h]; ok {
		heap.Remove(&t.h, i)
	}
}

func (t *Tracker) Contains(h tree.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.h.index[h]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h.Len()
}

// Items returns the tracked files, largest first.
func (t *Tracker) Items() []Item {
	t.mu.Lock()
	out := append([]Item(nil), t.h.items...)
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(out[j], out[i]) })
	return out
}
