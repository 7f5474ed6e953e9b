package tree

import (
	"errors"
	"testing"
	"time"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustAdd(t *testing.T, tr *Tree, parent Handle, s Spec) Handle {
	t.Helper()
	h, err := tr.AddChild(parent, s)
	if err != nil {
		t.Fatalf("AddChild failed: %v", err)
	}
	return h
}

func mustInfo(t *testing.T, tr *Tree, h Handle) Info {
	t.Helper()
	info, err := tr.Info(h)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	return info
}

// sample builds /data with a.txt (100), sub/ with b.bin (300) and
// sub/deep/ with c.md (5).
func sample(t *testing.T) (*Tree, map[string]Handle) {
	t.Helper()
	tr := New(nil)
	h := map[string]Handle{}
	h["root"] = tr.SetRoot(Spec{Kind: KindDirectory, Name: "/data", ModTime: base})
	h["a"] = mustAdd(t, tr, h["root"], Spec{Kind: KindFile, Name: "a.txt", Size: 100, Physical: 4096, ModTime: base.Add(time.Hour)})
	h["sub"] = mustAdd(t, tr, h["root"], Spec{Kind: KindDirectory, Name: "sub", ModTime: base})
	h["b"] = mustAdd(t, tr, h["sub"], Spec{Kind: KindFile, Name: "b.bin", Size: 300, Physical: 4096, ModTime: base.Add(2 * time.Hour)})
	h["deep"] = mustAdd(t, tr, h["sub"], Spec{Kind: KindDirectory, Name: "deep", ModTime: base})
	h["c"] = mustAdd(t, tr, h["deep"], Spec{Kind: KindFile, Name: "c.md", Size: 5, Physical: 0, ModTime: base.Add(3 * time.Hour)})
	return tr, h
}

func TestTree_Aggregates(t *testing.T) {
	tr, h := sample(t)

	root := mustInfo(t, tr, h["root"])
	if root.Size != 405 {
		t.Errorf("Expected root size 405, got %d", root.Size)
	}
	if root.Physical != 8192 {
		t.Errorf("Expected root physical 8192, got %d", root.Physical)
	}
	if root.Files != 3 {
		t.Errorf("Expected 3 files, got %d", root.Files)
	}
	if root.Subdirs != 2 {
		t.Errorf("Expected 2 subdirs, got %d", root.Subdirs)
	}
	if !root.LastChange.Equal(base.Add(3 * time.Hour)) {
		t.Errorf("Expected last change %v, got %v", base.Add(3*time.Hour), root.LastChange)
	}

	sub := mustInfo(t, tr, h["sub"])
	if sub.Size != 305 || sub.Files != 2 || sub.Subdirs != 1 {
		t.Errorf("Unexpected sub aggregates: %+v", sub)
	}

	file := mustInfo(t, tr, h["a"])
	if file.Files != 1 || file.Subdirs != 0 || !file.Done {
		t.Errorf("Unexpected file info: %+v", file)
	}
}

func TestTree_SumOfChildren(t *testing.T) {
	tr, h := sample(t)

	var check func(Handle)
	check = func(p Handle) {
		info := mustInfo(t, tr, p)
		if !info.Kind.IsContainer() {
			return
		}
		var size, phys int64
		for _, c := range tr.Children(p) {
			ci := mustInfo(t, tr, c)
			size += ci.Size
			phys += ci.Physical
			if ci.LastChange.After(info.LastChange) {
				t.Errorf("%s: child %s changed after parent", info.Name, ci.Name)
			}
			check(c)
		}
		if size != info.Size || phys != info.Physical {
			t.Errorf("%s: size %d/%d, children sum %d/%d", info.Name, info.Size, info.Physical, size, phys)
		}
	}
	check(h["root"])
}

func TestTree_ReadJobs(t *testing.T) {
	tr, h := sample(t)

	if got := mustInfo(t, tr, h["root"]).ReadJobs; got != 3 {
		t.Fatalf("Expected 3 pending reads, got %d", got)
	}
	if err := tr.MarkDone(h["deep"]); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if err := tr.MarkDone(h["deep"]); err != nil {
		t.Fatalf("Second MarkDone failed: %v", err)
	}
	if got := mustInfo(t, tr, h["sub"]).ReadJobs; got != 1 {
		t.Errorf("Expected 1 pending read under sub, got %d", got)
	}
	if got := mustInfo(t, tr, h["root"]).ReadJobs; got != 2 {
		t.Errorf("Expected 2 pending reads at root, got %d", got)
	}
}

func TestTree_MarkRead(t *testing.T) {
	tr, h := sample(t)
	if err := tr.MarkRead(h["sub"]); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	sub := mustInfo(t, tr, h["sub"])
	if !sub.Read || sub.Done || sub.ReadJobs != 1 {
		t.Errorf("Unexpected sub after MarkRead: %+v", sub)
	}
	if err := tr.MarkDone(h["sub"]); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if got := mustInfo(t, tr, h["root"]).ReadJobs; got != 2 {
		t.Errorf("MarkDone after MarkRead should not decrement twice, got %d", got)
	}
}

func TestTree_PendingChildReopens(t *testing.T) {
	tr, h := sample(t)
	for _, k := range []string{"deep", "sub", "root"} {
		if err := tr.MarkDone(h[k]); err != nil {
			t.Fatalf("MarkDone failed: %v", err)
		}
	}
	mustAdd(t, tr, h["deep"], Spec{Kind: KindDirectory, Name: "new"})
	for _, k := range []string{"deep", "sub", "root"} {
		if info := mustInfo(t, tr, h[k]); info.Done || info.ReadJobs != 1 {
			t.Errorf("%s: expected reopened with one pending read, got %+v", k, info)
		}
	}
}

func TestTree_MarkDoneSortsBySize(t *testing.T) {
	tr := New(nil)
	root := tr.SetRoot(Spec{Kind: KindDirectory, Name: "/r"})
	small := mustAdd(t, tr, root, Spec{Kind: KindFile, Name: "small", Size: 1})
	big := mustAdd(t, tr, root, Spec{Kind: KindFile, Name: "big", Size: 1000})
	mid := mustAdd(t, tr, root, Spec{Kind: KindFile, Name: "mid", Size: 50})

	if err := tr.MarkDone(root); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	got := tr.Children(root)
	want := []Handle{big, mid, small}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}

func TestTree_Remove(t *testing.T) {
	tr, h := sample(t)

	if err := tr.Remove(h["deep"]); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	root := mustInfo(t, tr, h["root"])
	if root.Size != 400 || root.Files != 2 || root.Subdirs != 1 {
		t.Errorf("Unexpected aggregates after remove: %+v", root)
	}
	if !root.LastChange.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("Expected last change to drop to %v, got %v", base.Add(2*time.Hour), root.LastChange)
	}
	if root.ReadJobs != 2 {
		t.Errorf("Expected 2 pending reads, got %d", root.ReadJobs)
	}
	if tr.Contains(h["c"]) {
		t.Error("Descendant of removed node should be gone")
	}
	if _, err := tr.Info(h["deep"]); !errors.Is(err, ErrNoNode) {
		t.Errorf("Expected ErrNoNode, got %v", err)
	}
	if tr.Len() != 4 {
		t.Errorf("Expected 4 live nodes, got %d", tr.Len())
	}
}

func TestTree_RemoveRecyclesHandles(t *testing.T) {
	tr, h := sample(t)
	before := tr.Len()

	if err := tr.Remove(h["a"]); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	n := mustAdd(t, tr, h["root"], Spec{Kind: KindFile, Name: "new", Size: 7})
	if n != h["a"] {
		t.Errorf("Expected handle %d to be reused, got %d", h["a"], n)
	}
	if tr.Len() != before {
		t.Errorf("Expected %d live nodes, got %d", before, tr.Len())
	}
}

func TestTree_RemoveRoot(t *testing.T) {
	tr, h := sample(t)
	if err := tr.Remove(h["root"]); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if tr.Root() != NoHandle {
		t.Error("Expected empty tree")
	}
	if tr.Len() != 0 {
		t.Errorf("Expected no live nodes, got %d", tr.Len())
	}
}

func TestTree_Reset(t *testing.T) {
	tr, h := sample(t)
	for _, k := range []string{"deep", "sub", "root"} {
		if err := tr.MarkDone(h[k]); err != nil {
			t.Fatalf("MarkDone failed: %v", err)
		}
	}

	if err := tr.Reset(h["sub"], base.Add(time.Minute)); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	sub := mustInfo(t, tr, h["sub"])
	if sub.Done || sub.Read || sub.Children != 0 || sub.Size != 0 || sub.ReadJobs != 1 {
		t.Errorf("Unexpected sub after reset: %+v", sub)
	}
	root := mustInfo(t, tr, h["root"])
	if root.Size != 100 || root.ReadJobs != 1 || root.Subdirs != 1 {
		t.Errorf("Unexpected root after reset: %+v", root)
	}
	if root.Done || !root.Read {
		t.Errorf("Expected root to be read but reopened, got %+v", root)
	}
	if !root.LastChange.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected last change %v, got %v", base.Add(time.Hour), root.LastChange)
	}
}

func TestTree_Update(t *testing.T) {
	tr, h := sample(t)

	if err := tr.Update(h["b"], Spec{Size: 1300, Physical: 8192, ModTime: base}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	root := mustInfo(t, tr, h["root"])
	if root.Size != 1405 || root.Physical != 12288 {
		t.Errorf("Unexpected root sizes: %d/%d", root.Size, root.Physical)
	}
	sub := mustInfo(t, tr, h["sub"])
	if !sub.LastChange.Equal(base.Add(3 * time.Hour)) {
		t.Errorf("Expected sub last change from deep, got %v", sub.LastChange)
	}

	if err := tr.Update(h["sub"], Spec{}); err == nil {
		t.Error("Expected error updating a container")
	}
}

func TestTree_AddChildToFile(t *testing.T) {
	tr, h := sample(t)
	if _, err := tr.AddChild(h["a"], Spec{Kind: KindFile, Name: "x"}); err == nil {
		t.Error("Expected error adding below a file")
	}
	if _, err := tr.AddChild(Handle(999), Spec{Kind: KindFile, Name: "x"}); !errors.Is(err, ErrNoNode) {
		t.Errorf("Expected ErrNoNode, got %v", err)
	}
}

func TestTree_Events(t *testing.T) {
	var events []Event
	tr := New(func(e Event) { events = append(events, e) })
	root := tr.SetRoot(Spec{Kind: KindDirectory, Name: "/r"})
	f := mustAdd(t, tr, root, Spec{Kind: KindFile, Name: "f", Size: 1})
	if err := tr.MarkDone(root); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if err := tr.Remove(f); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	want := []Event{
		NodeAdded{Parent: NoHandle, Child: root},
		NodeAdded{Parent: root, Child: f},
		NodeUpdated{Node: root},
		NodeRemoved{Parent: root, Child: f},
	}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d: %v", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %#v, got %#v", i, want[i], events[i])
		}
	}
}

func TestTree_PathAndLookup(t *testing.T) {
	tr, h := sample(t)

	if got := tr.Path(h["c"]); got != "/data/sub/deep/c.md" {
		t.Errorf("Expected /data/sub/deep/c.md, got %s", got)
	}
	if got := tr.Lookup("/data/sub/deep/c.md"); got != h["c"] {
		t.Errorf("Expected handle %d, got %d", h["c"], got)
	}
	if got := tr.Lookup("/data"); got != h["root"] {
		t.Errorf("Expected root handle, got %d", got)
	}
	if got := tr.Lookup("/data/missing"); got != NoHandle {
		t.Errorf("Expected NoHandle, got %d", got)
	}
	if got := tr.Lookup("/elsewhere"); got != NoHandle {
		t.Errorf("Expected NoHandle, got %d", got)
	}
}

func TestTree_ComputerRoot(t *testing.T) {
	tr := New(nil)
	pc := tr.SetRoot(Spec{Kind: KindComputer, Done: true})
	a := mustAdd(t, tr, pc, Spec{Kind: KindDirectory, Name: "/a", Flags: FlagRoot})
	b := mustAdd(t, tr, pc, Spec{Kind: KindDirectory, Name: "/b", Flags: FlagRoot})
	f := mustAdd(t, tr, b, Spec{Kind: KindFile, Name: "f", Size: 10})

	if got := tr.Path(f); got != "/b/f" {
		t.Errorf("Expected /b/f, got %s", got)
	}
	if got := tr.Lookup("/a"); got != a {
		t.Errorf("Expected %d, got %d", a, got)
	}
	info := mustInfo(t, tr, pc)
	if info.Size != 10 || info.Subdirs != 2 || info.ReadJobs != 2 {
		t.Errorf("Unexpected computer info: %+v", info)
	}
}
