package heap

import (
	"errors"
	"testing"

	"gengc/config"
	"gengc/gclog"
	"gengc/layout"
	"gengc/memory"
	"gengc/rset"
)

func newGenSSHeap(t *testing.T, opts ...config.Option) (*Heap, *GenSS) {
	t.Helper()
	h := newTestHeap(t, append([]config.Option{config.WithScheme(config.SchemeGenSS)}, opts...)...)
	return h, h.scheme.(*GenSS)
}

// promote allocates garbage until a minor collection moved the cell held
// by hd into the old generation.
func promote(t *testing.T, th *Thread, g *GenSS, hub *layout.Hub, hd Handle) {
	t.Helper()
	for i := 0; !g.old.Contains(th.Get(hd)); i++ {
		if i > 10 {
			t.Fatal("cell never promoted")
		}
		collectByAllocation(t, th, hub)
	}
}

func TestMinorCollectionPromotes(t *testing.T) {
	h, g := newGenSSHeap(t, config.WithVerification())
	node := nodeHub(h)
	th := attach(t, h, "main")
	hd, err := buildChain(th, node, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !g.nursery.Contains(th.Get(hd)) {
		t.Fatal("new cell not in the nursery")
	}
	promote(t, th, g, node, hd)
	if err := checkChain(th, th.Get(hd), 1000); err != nil {
		t.Fatal(err)
	}
	if c := countersOf(h); c.minor != 1 || c.full != 0 {
		t.Fatalf("want exactly one minor collection: %+v", c)
	}
	// Only the buffer taken by the allocation that triggered the collection.
	if used := g.nursery.UsedSpace(); used > memory.Size(h.Config().TLABSize) {
		t.Fatalf("nursery still holds %s", used)
	}
}

func TestCardsKeepYoungCellsAlive(t *testing.T) {
	h, g := newGenSSHeap(t, config.WithVerification())
	node := nodeHub(h)
	th := attach(t, h, "main")
	holder, err := th.NewTuple(node)
	if err != nil {
		t.Fatal(err)
	}
	hh := th.NewHandle(holder)
	promote(t, th, g, node, hh)

	young, err := th.NewTuple(node)
	if err != nil {
		t.Fatal(err)
	}
	th.WriteWord(young, 1, 42)
	th.WriteRef(th.Get(hh), 0, young)
	slot := h.Model().SlotAddress(th.Get(hh), 0)
	if !g.RSet().Table().IsDirty(slot) {
		t.Fatal("store into an old cell left its card clean")
	}

	epoch := h.collections.Load()
	for h.collections.Load() == epoch {
		if _, err := th.NewTuple(node); err != nil {
			t.Fatal(err)
		}
	}
	got := th.ReadRef(th.Get(hh), 0)
	if !g.old.Contains(got) || th.ReadWord(got, 1) != 42 {
		t.Fatalf("young cell reachable only from an old cell was lost: %s", got)
	}
	if n := g.RSet().CountCards(g.oldTo.Start(), g.old.Mark(), rset.Dirty); n != 0 {
		t.Fatalf("%d dirty cards left after the collection", n)
	}
}

func TestYoungStoresSkipCards(t *testing.T) {
	h, g := newGenSSHeap(t)
	node := nodeHub(h)
	th := attach(t, h, "main")
	a, _ := th.NewTuple(node)
	b, _ := th.NewTuple(node)
	th.WriteRef(a, 0, b)
	if n := g.RSet().CountCards(g.young.Start(), g.young.ReservedEnd(), rset.Dirty); n != 0 {
		t.Fatalf("%d young cards dirtied", n)
	}
}

func TestLargeCellsGoToOld(t *testing.T) {
	h, g := newGenSSHeap(t, config.WithVerification())
	words := h.Hubs().DefineArray("word[]", layout.WordArray)
	th := attach(t, h, "main")
	n := int(g.largeObjectSize() / memory.WordSize)
	big, err := th.NewArray(words, n)
	if err != nil {
		t.Fatal(err)
	}
	if !g.old.Contains(big) {
		t.Fatalf("%d element array allocated in the nursery", n)
	}
	if th.Length(big) != n {
		t.Fatalf("length = %d", th.Length(big))
	}
}

func TestOldOverflowEscalatesToFull(t *testing.T) {
	h, g := newGenSSHeap(t, config.WithSize(config.MB, config.MB), config.WithTLAB(8*config.KB), config.WithVerification())
	blob := h.Hubs().DefineTuple("blob", 16, 0)
	th := attach(t, h, "main")
	hd := th.NewHandle(0)
	n, err := fillHeap(th, blob, hd)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("got %v after %d cells, want out of memory", err, n)
	}
	i := 0
	for cell := th.Get(hd); !cell.IsZero(); cell = th.ReadRef(cell, 0) {
		i++
	}
	if i != n {
		t.Fatalf("%d of %d retained cells reachable", i, n)
	}
	escalated, oom := false, false
	for _, e := range h.Events().Recent(0) {
		switch {
		case e.Kind == gclog.KindFull && e.Reason == string(ReasonOverflow):
			escalated = true
		case e.Kind == gclog.KindOutOfMemory:
			oom = true
		}
	}
	if !escalated || !oom {
		t.Fatalf("escalated %v, out of memory event %v", escalated, oom)
	}
	if !g.exhausted.Load() {
		t.Fatal("out of memory with the old generation below its maximum")
	}
}

func TestFullCollectionUncommitsFromSpace(t *testing.T) {
	h, g := newGenSSHeap(t)
	node := nodeHub(h)
	th := attach(t, h, "main")
	hd, err := buildChain(th, node, 100)
	if err != nil {
		t.Fatal(err)
	}
	before := g.oldTo.Start()
	th.CollectGarbage(0)
	if g.oldTo.Start() == before {
		t.Fatal("old semi-spaces not swapped")
	}
	if g.oldFrom.CommittedSize() != 0 {
		t.Fatalf("from-space keeps %s committed", g.oldFrom.CommittedSize())
	}
	if !g.old.Contains(th.Get(hd)) {
		t.Fatal("survivor not in the old generation")
	}
	if err := checkChain(th, th.Get(hd), 100); err != nil {
		t.Fatal(err)
	}
	if c := countersOf(h); c.full != 1 {
		t.Fatalf("full = %d", c.full)
	}
}

func TestGenSSShrink(t *testing.T) {
	h, g := newGenSSHeap(t, config.WithSize(4*config.MB, 16*config.MB))
	if grew, err := h.IncreaseMemory(2 * memory.M); err != nil || !grew {
		t.Fatalf("increase: %v %v", grew, err)
	}
	grown := g.oldTo.CommittedSize()
	shrunk, err := h.DecreaseMemory(memory.M)
	if err != nil {
		t.Fatal(err)
	}
	if !shrunk || g.oldTo.CommittedSize() >= grown {
		t.Fatalf("shrink %v: old %s -> %s", shrunk, grown, g.oldTo.CommittedSize())
	}
}

func TestMinorCollectionProcessesReferences(t *testing.T) {
	h, g := newGenSSHeap(t, config.WithVerification())
	node := nodeHub(h)
	weak := h.Hubs().DefineReference("weak", layout.Weak)
	phantom := h.Hubs().DefineReference("phantom", layout.Phantom)
	th := attach(t, h, "main")

	newRef := func(hub *layout.Hub, v uint64) Handle {
		ref, err := th.NewTuple(hub)
		if err != nil {
			t.Fatal(err)
		}
		hd := th.NewHandle(ref)
		cell, err := th.NewTuple(node)
		if err != nil {
			t.Fatal(err)
		}
		th.WriteWord(cell, 1, v)
		th.WriteRef(th.Get(hd), layout.ReferentField, cell)
		return hd
	}
	weakRef := newRef(weak, 1)
	phantomRef := newRef(phantom, 2)

	collectByAllocation(t, th, node)
	if c := countersOf(h); c.minor != 1 || c.full != 0 {
		t.Fatalf("counters %+v", c)
	}
	if got := th.ReadRef(th.Get(weakRef), layout.ReferentField); !got.IsZero() {
		t.Fatalf("young weak referent survived a minor collection: %s", got)
	}
	got := th.ReadRef(th.Get(phantomRef), layout.ReferentField)
	if !g.old.Contains(got) || th.ReadWord(got, 1) != 2 {
		t.Fatalf("phantom referent %s not promoted", got)
	}
	queued := 0
	for _, ok := th.PollReference(); ok; _, ok = th.PollReference() {
		queued++
	}
	if queued != 2 {
		t.Fatalf("queued %d references", queued)
	}
}
