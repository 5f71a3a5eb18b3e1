package heap

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"gengc/config"
	"gengc/gclog"
	"gengc/layout"
	"gengc/memory"
	"gengc/specialref"

	"github.com/google/go-cmp/cmp"
)

func init() {
	SetLoggerOutput(io.Discard)
}

var schemes = []string{config.SchemeSemiSpace, config.SchemeGenSS}

func newTestHeap(t *testing.T, opts ...config.Option) *Heap {
	t.Helper()
	h, err := New(config.New(opts...))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Error(err)
		}
	})
	return h
}

func attach(t *testing.T, h *Heap, name string) *Thread {
	th := h.AttachThread(name)
	t.Cleanup(th.Detach)
	return th
}

// node is a tuple with a reference in field 0 and a word in field 1.
func nodeHub(h *Heap) *layout.Hub {
	return h.Hubs().DefineTuple("node", 2, 0)
}

// buildChain links n nodes holding 0..n-1, the last one at the head.
func buildChain(th *Thread, hub *layout.Hub, n int) (Handle, error) {
	hd := th.NewHandle(0)
	for i := 0; i < n; i++ {
		cell, err := th.NewTuple(hub)
		if err != nil {
			return hd, fmt.Errorf("node %d: %w", i, err)
		}
		th.WriteWord(cell, 1, uint64(i))
		th.WriteRef(cell, 0, th.Get(hd))
		th.Set(hd, cell)
	}
	return hd, nil
}

func checkChain(th *Thread, head memory.Address, n int) error {
	i := n
	for cell := head; !cell.IsZero(); cell = th.ReadRef(cell, 0) {
		i--
		if got := th.ReadWord(cell, 1); got != uint64(i) {
			return fmt.Errorf("node %d holds %d", i, got)
		}
	}
	if i != 0 {
		return fmt.Errorf("chain is %d nodes short", i)
	}
	return nil
}

// collectByAllocation allocates garbage until a collection ran.
func collectByAllocation(t *testing.T, th *Thread, hub *layout.Hub) {
	t.Helper()
	epoch := th.Heap().collections.Load()
	for i := 0; th.Heap().collections.Load() == epoch; i++ {
		if i > 1<<20 {
			t.Fatal("no collection after a million allocations")
		}
		if _, err := th.NewTuple(hub); err != nil {
			t.Fatal(err)
		}
	}
}

func countersOf(h *Heap) counters {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.counters
}

// catchFatal runs fn and returns the fatal error it raised, if any.
func catchFatal(fn func()) (fe *FatalError) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if fe, ok = memory.AsFatal(r); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

func TestChainSurvivesCollections(t *testing.T) {
	for _, scheme := range schemes {
		t.Run(scheme, func(t *testing.T) {
			h := newTestHeap(t, config.WithScheme(scheme), config.WithVerification())
			th := attach(t, h, "main")
			node := nodeHub(h)
			hd, err := buildChain(th, node, 1000)
			if err != nil {
				t.Fatal(err)
			}
			before := th.Get(hd)
			if !th.CollectGarbage(0) {
				t.Fatal("explicit collection failed")
			}
			if th.Get(hd) == before {
				t.Fatal("head was not moved")
			}
			if err := checkChain(th, th.Get(hd), 1000); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 3; i++ {
				collectByAllocation(t, th, node)
			}
			if err := checkChain(th, th.Get(hd), 1000); err != nil {
				t.Fatal(err)
			}
			if c := countersOf(h); c.collections < 4 {
				t.Fatalf("collections = %d", c.collections)
			}
		})
	}
}

func TestGarbageIsReclaimed(t *testing.T) {
	for _, scheme := range schemes {
		t.Run(scheme, func(t *testing.T) {
			h := newTestHeap(t, config.WithScheme(scheme), config.WithSize(2*config.MB, 8*config.MB))
			th := attach(t, h, "main")
			node := nodeHub(h)
			// Ten times the maximum heap goes through the allocator.
			n := int(80 * memory.M / layout.TupleSize(node))
			for i := 0; i < n; i++ {
				if _, err := th.NewTuple(node); err != nil {
					t.Fatalf("allocation %d: %v", i, err)
				}
			}
			s, err := th.Stats()
			if err != nil {
				t.Fatal(err)
			}
			if s.Collections == 0 {
				t.Fatal("no collection ran")
			}
			if s.Committed > 8*memory.M {
				t.Fatalf("committed %s above the maximum", s.Committed)
			}
			if s.InSafetyZone || s.OutOfMemory != 0 {
				t.Fatalf("unexpected out of memory: %+v", s)
			}
		})
	}
}

func TestConcurrentMutators(t *testing.T) {
	for _, scheme := range schemes {
		t.Run(scheme, func(t *testing.T) {
			h := newTestHeap(t, config.WithScheme(scheme), config.WithSize(2*config.MB, 16*config.MB),
				config.WithTLAB(8*config.KB), config.WithVerification())
			node := nodeHub(h)
			const threads, length = 4, 3000
			errs := make(chan error, threads)
			var wg sync.WaitGroup
			for i := 0; i < threads; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					th := h.AttachThread(fmt.Sprintf("mutator-%d", i))
					defer th.Detach()
					hd := th.NewHandle(0)
					for j := 0; j < length; j++ {
						for k := 0; k < 8; k++ {
							if _, err := th.NewTuple(node); err != nil {
								errs <- err
								return
							}
						}
						cell, err := th.NewTuple(node)
						if err != nil {
							errs <- err
							return
						}
						th.WriteWord(cell, 1, uint64(j))
						th.WriteRef(cell, 0, th.Get(hd))
						th.Set(hd, cell)
					}
					errs <- checkChain(th, th.Get(hd), length)
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatal(err)
				}
			}
			if c := countersOf(h); c.collections == 0 {
				t.Fatal("no collection ran")
			}
		})
	}
}

func TestOversizedRequestFailsAlone(t *testing.T) {
	for _, scheme := range schemes {
		t.Run(scheme, func(t *testing.T) {
			h := newTestHeap(t, config.WithScheme(scheme), config.WithSize(2*config.MB, 4*config.MB))
			words := h.Hubs().DefineArray("word[]", layout.WordArray)
			node := nodeHub(h)

			stop := make(chan struct{})
			errs := make(chan error, 2)
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					th := h.AttachThread(fmt.Sprintf("bystander-%d", i))
					defer th.Detach()
					for {
						select {
						case <-stop:
							errs <- nil
							return
						default:
						}
						if _, err := th.NewTuple(node); err != nil {
							errs <- err
							return
						}
					}
				}(i)
			}

			th := attach(t, h, "main")
			_, err := th.NewArray(words, int(8*memory.M/memory.WordSize))
			close(stop)
			th.Blocking(wg.Wait)
			if !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("got %v, want out of memory", err)
			}
			if h.InSafetyZone() {
				t.Fatal("oversized request released the safety zone")
			}
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("bystander: %v", err)
				}
			}
			if _, err := th.NewTuple(node); err != nil {
				t.Fatal(err)
			}
		})
	}
}

// fillHeap retains blobs until the first failure and returns it with the
// number retained.
func fillHeap(th *Thread, blob *layout.Hub, hd Handle) (int, error) {
	for n := 0; ; n++ {
		if n > 1<<20 {
			return n, errors.New("heap never filled")
		}
		cell, err := th.NewTuple(blob)
		if err != nil {
			return n, err
		}
		th.WriteRef(cell, 0, th.Get(hd))
		th.Set(hd, cell)
	}
}

func TestSafetyZone(t *testing.T) {
	for _, scheme := range schemes {
		t.Run(scheme, func(t *testing.T) {
			h := newTestHeap(t, config.WithScheme(scheme), config.WithSize(config.MB, config.MB),
				config.WithTLAB(0), config.WithGrowPolicy("none", 0))
			blob := h.Hubs().DefineTuple("blob", 16, 0)
			th := attach(t, h, "main")
			hd := th.NewHandle(0)
			if _, err := fillHeap(th, blob, hd); !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("got %v, want out of memory", err)
			}
			if !h.InSafetyZone() {
				t.Fatal("safety zone not released")
			}
			// The released zone serves the handler.
			if _, err := th.NewTuple(blob); err != nil {
				t.Fatalf("allocation in the safety zone: %v", err)
			}
			th.Set(hd, 0)
			collectByAllocation(t, th, blob)
			if h.InSafetyZone() {
				t.Fatal("safety zone not reinstalled after the collection")
			}
			if _, err := fillHeap(th, blob, hd); !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("second exhaustion: got %v, want out of memory", err)
			}
		})
	}
}

func TestOutOfMemoryInSafetyZoneIsFatal(t *testing.T) {
	h := newTestHeap(t, config.WithSize(config.MB, config.MB), config.WithTLAB(0), config.WithGrowPolicy("none", 0))
	blob := h.Hubs().DefineTuple("blob", 16, 0)
	th := h.AttachThread("main")
	defer th.Detach()
	hd := th.NewHandle(0)
	if _, err := fillHeap(th, blob, hd); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("got %v, want out of memory", err)
	}
	fe := catchFatal(func() { fillHeap(th, blob, hd) })
	if fe == nil {
		t.Fatal("second out of memory was not fatal")
	}
	if fe.Op != "allocate" {
		t.Fatalf("fatal error from %q: %v", fe.Op, fe)
	}
}

func TestSpecialReferences(t *testing.T) {
	for _, scheme := range schemes {
		t.Run(scheme, func(t *testing.T) {
			h := newTestHeap(t, config.WithScheme(scheme), config.WithVerification())
			node := nodeHub(h)
			weak := h.Hubs().DefineReference("weak", layout.Weak)
			soft := h.Hubs().DefineReference("soft", layout.Soft)
			phantom := h.Hubs().DefineReference("phantom", layout.Phantom)
			th := attach(t, h, "main")

			newRef := func(hub *layout.Hub, referent memory.Address) Handle {
				ref, err := th.NewTuple(hub)
				if err != nil {
					t.Fatal(err)
				}
				th.WriteRef(ref, layout.ReferentField, referent)
				return th.NewHandle(ref)
			}
			newNode := func(v uint64) memory.Address {
				cell, err := th.NewTuple(node)
				if err != nil {
					t.Fatal(err)
				}
				th.WriteWord(cell, 1, v)
				return cell
			}

			kept := th.NewHandle(newNode(1))
			keptRef := newRef(weak, th.Get(kept))
			lostRef := newRef(weak, newNode(2))
			softRef := newRef(soft, newNode(3))
			phantomRef := newRef(phantom, newNode(4))

			if !th.CollectGarbage(0) {
				t.Fatal("collection failed")
			}
			if got := th.ReadRef(th.Get(keptRef), layout.ReferentField); got != th.Get(kept) {
				t.Fatalf("weak referent %s, want %s", got, th.Get(kept))
			}
			if got := th.ReadRef(th.Get(lostRef), layout.ReferentField); !got.IsZero() {
				t.Fatalf("unreachable weak referent not cleared: %s", got)
			}
			referent := th.ReadRef(th.Get(softRef), layout.ReferentField)
			if referent.IsZero() || th.ReadWord(referent, 1) != 3 {
				t.Fatal("soft referent not preserved")
			}
			referent = th.ReadRef(th.Get(phantomRef), layout.ReferentField)
			if referent.IsZero() || th.ReadWord(referent, 1) != 4 {
				t.Fatalf("phantom referent %s not preserved", referent)
			}
			queued := map[memory.Address]bool{}
			for ref, ok := th.PollReference(); ok; ref, ok = th.PollReference() {
				queued[ref] = true
			}
			if len(queued) != 2 || !queued[th.Get(lostRef)] || !queued[th.Get(phantomRef)] {
				t.Fatalf("queued %v", queued)
			}
			s, err := th.Stats()
			if err != nil {
				t.Fatal(err)
			}
			want := specialref.Stats{Discovered: 4, Cleared: 1, Preserved: 1, Enqueued: 2}
			if diff := cmp.Diff(want, s.References); diff != "" {
				t.Fatalf("reference stats (-want +got):\n%s", diff)
			}

			// A queued phantom reference keeps its referent and is not queued again.
			if !th.CollectGarbage(0) {
				t.Fatal("collection failed")
			}
			referent = th.ReadRef(th.Get(phantomRef), layout.ReferentField)
			if referent.IsZero() || th.ReadWord(referent, 1) != 4 {
				t.Fatalf("phantom referent %s lost after dequeue", referent)
			}
			if ref, ok := th.PollReference(); ok {
				t.Fatalf("%s queued twice", ref)
			}
		})
	}
}

func TestNestedSoftReferences(t *testing.T) {
	for _, scheme := range schemes {
		t.Run(scheme, func(t *testing.T) {
			h := newTestHeap(t, config.WithScheme(scheme), config.WithVerification())
			node := nodeHub(h)
			holder := h.Hubs().DefineTuple("holder", 1, 0)
			soft := h.Hubs().DefineReference("soft", layout.Soft)
			th := attach(t, h, "main")

			// outer -> x -> inner -> y, only outer has a handle.
			outer, err := th.NewTuple(soft)
			if err != nil {
				t.Fatal(err)
			}
			hd := th.NewHandle(outer)
			x, _ := th.NewTuple(holder)
			th.WriteRef(th.Get(hd), layout.ReferentField, x)
			inner, _ := th.NewTuple(soft)
			th.WriteRef(x, 0, inner)
			y, _ := th.NewTuple(node)
			th.WriteWord(y, 1, 7)
			th.WriteRef(inner, layout.ReferentField, y)

			if !th.CollectGarbage(0) {
				t.Fatal("collection failed")
			}
			x = th.ReadRef(th.Get(hd), layout.ReferentField)
			if x.IsZero() {
				t.Fatal("outer soft referent cleared")
			}
			y = th.ReadRef(th.ReadRef(x, 0), layout.ReferentField)
			if y.IsZero() || th.ReadWord(y, 1) != 7 {
				t.Fatalf("inner soft referent %s cleared", y)
			}
			if ref, ok := th.PollReference(); ok {
				t.Fatalf("%s queued", ref)
			}
		})
	}
}

func TestRootsOutsideThreads(t *testing.T) {
	h := newTestHeap(t, config.WithVerification())
	node := nodeHub(h)
	th := attach(t, h, "main")

	cell, err := th.NewTuple(node)
	if err != nil {
		t.Fatal(err)
	}
	th.WriteWord(cell, 1, 7)
	g := h.Globals().Add(cell)

	var provided [1]memory.Address
	if provided[0], err = th.NewTuple(node); err != nil {
		t.Fatal(err)
	}
	th.WriteWord(provided[0], 1, 8)
	h.AddRootProvider(RootProviderFunc(func(visit RootVisitor) {
		visit(&provided[0])
	}))

	th.CollectGarbage(0)
	if got := h.Globals().Get(g); got == cell || th.ReadWord(got, 1) != 7 {
		t.Fatalf("global %s not moved or lost", got)
	}
	if th.ReadWord(provided[0], 1) != 8 {
		t.Fatal("provided root lost")
	}
	h.Globals().Remove(g)
	if h.Globals().Len() != 0 {
		t.Fatalf("globals len = %d", h.Globals().Len())
	}
}

func TestDisableExplicitGC(t *testing.T) {
	h := newTestHeap(t, config.WithoutExplicitGC())
	th := attach(t, h, "main")
	if !th.CollectGarbage(0) {
		t.Fatal("explicit request reported failure")
	}
	if c := countersOf(h); c.collections != 0 {
		t.Fatalf("collections = %d", c.collections)
	}
}

func TestGCBeforeAllocation(t *testing.T) {
	h := newTestHeap(t, config.WithTLAB(0), config.WithGCBeforeAllocation(), config.WithVerification())
	node := nodeHub(h)
	th := attach(t, h, "main")
	hd, err := buildChain(th, node, 5)
	if err != nil {
		t.Fatal(err)
	}
	if c := countersOf(h); c.collections < 5 {
		t.Fatalf("collections = %d", c.collections)
	}
	if err := checkChain(th, th.Get(hd), 5); err != nil {
		t.Fatal(err)
	}
}

func TestTLABStats(t *testing.T) {
	h := newTestHeap(t, config.WithTLAB(8*config.KB))
	node := nodeHub(h)
	th := h.AttachThread("main")
	for i := 0; i < 10000; i++ {
		if _, err := th.NewTuple(node); err != nil {
			t.Fatal(err)
		}
	}
	refills := th.TLABStats().Refills
	if refills < 10000*uint64(layout.TupleSize(node))/(8*1024) {
		t.Fatalf("refills = %d", refills)
	}
	th.Detach()
	s, err := h.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if s.TLAB.Refills != refills || s.Threads != 0 {
		t.Fatalf("heap stats %+v", s.TLAB)
	}
}

func TestWalkHeap(t *testing.T) {
	h := newTestHeap(t)
	node := nodeHub(h)
	words := h.Hubs().DefineArray("word[]", layout.WordArray)
	th := attach(t, h, "main")
	if _, err := buildChain(th, node, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := th.NewArray(words, 5); err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]int)
	err := th.WalkHeap(func(cell memory.Address, hub *layout.Hub, size memory.Size) bool {
		seen[hub.Name]++
		if size != th.Heap().Model().CellSize(cell) {
			t.Errorf("size %s of %s", size, cell)
		}
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen["node"] != 10 || seen["word[]"] != 1 {
		t.Fatalf("walk saw %v", seen)
	}
}

func TestResize(t *testing.T) {
	h := newTestHeap(t, config.WithSize(config.MB, 4*config.MB))
	start, err := h.Stats()
	if err != nil {
		t.Fatal(err)
	}
	for {
		grew, err := h.IncreaseMemory(memory.M)
		if err != nil {
			t.Fatal(err)
		}
		if !grew {
			break
		}
	}
	grown, _ := h.Stats()
	if grown.Committed <= start.Committed || grown.Committed > grown.Reserved {
		t.Fatalf("committed %s -> %s of %s", start.Committed, grown.Committed, grown.Reserved)
	}
	shrunk, err := h.DecreaseMemory(3 * memory.M)
	if err != nil {
		t.Fatal(err)
	}
	after, _ := h.Stats()
	if !shrunk || after.Committed >= grown.Committed || after.Committed < after.Used {
		t.Fatalf("shrink %v: committed %s -> %s, used %s", shrunk, grown.Committed, after.Committed, after.Used)
	}
	if after.Grows == 0 || after.Shrinks != 1 {
		t.Fatalf("grows %d shrinks %d", after.Grows, after.Shrinks)
	}
	kinds := make(map[gclog.Kind]int)
	for _, e := range h.Events().Recent(0) {
		kinds[e.Kind]++
	}
	if kinds[gclog.KindGrow] == 0 {
		t.Fatalf("events %v", kinds)
	}
}

func TestClosedHeap(t *testing.T) {
	h, err := New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Stats(); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v", err)
	}
	if h.CollectGarbage(0) {
		t.Fatal("collection on a closed heap")
	}
}

func TestAllocationAfterClose(t *testing.T) {
	for _, scheme := range schemes {
		t.Run(scheme, func(t *testing.T) {
			h := newTestHeap(t, config.WithScheme(scheme), config.WithSize(config.MB, config.MB))
			node := nodeHub(h)
			th := attach(t, h, "main")
			if err := h.Close(); err != nil {
				t.Fatal(err)
			}
			var err error
			for i := 0; err == nil; i++ {
				if i > 1<<20 {
					t.Fatal("allocation never failed on a closed heap")
				}
				_, err = th.NewTuple(node)
			}
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("got %v, want %v", err, ErrClosed)
			}
			if h.InSafetyZone() {
				t.Fatal("safety zone released on a closed heap")
			}
			if _, err := th.NewTuple(node); !errors.Is(err, ErrClosed) {
				t.Fatalf("second allocation: %v", err)
			}
		})
	}
}

func TestExplicitCollectionLeavesSafetyZone(t *testing.T) {
	for _, scheme := range schemes {
		t.Run(scheme, func(t *testing.T) {
			h := newTestHeap(t, config.WithScheme(scheme), config.WithSize(config.MB, config.MB),
				config.WithTLAB(0), config.WithGrowPolicy("none", 0))
			blob := h.Hubs().DefineTuple("blob", 16, 0)
			th := attach(t, h, "main")
			hd := th.NewHandle(0)
			if _, err := fillHeap(th, blob, hd); !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("got %v, want out of memory", err)
			}
			th.Set(hd, 0)
			if !th.CollectGarbage(0) {
				t.Fatal("collection failed")
			}
			if h.InSafetyZone() {
				t.Fatal("still in the safety zone after dropping every cell")
			}
			if _, err := fillHeap(th, blob, hd); !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("second exhaustion: got %v, want out of memory", err)
			}
		})
	}
}
