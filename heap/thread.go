package heap

import (
	"fmt"

	"gengc/layout"
	"gengc/memory"
	"gengc/tlab"
)

// Handle names a slot of a thread's handle table.
type Handle int

// Thread is a mutator attached to the heap. Between safepoints it holds its
// share of the world, so raw addresses it reads stay valid until its next
// allocation, Safepoint or Park. References that must survive longer are kept
// in handles or globals, which collections update.
//
// A Thread is used by one goroutine at a time.
type Thread struct {
	heap    *Heap
	name    string
	tlab    tlab.TLAB
	handles []memory.Address
	parked  bool
}

// AttachThread registers the calling goroutine as a mutator. It blocks while
// a collection is running.
func (h *Heap) AttachThread(name string) *Thread {
	t := &Thread{heap: h, name: name}
	h.world.Enter()
	h.threadsMu.Lock()
	h.threads[t] = struct{}{}
	h.threadsMu.Unlock()
	return t
}

// Detach pads the TLAB and unregisters the thread. Its handles stop being roots.
func (t *Thread) Detach() {
	if t.parked {
		t.Unpark()
	}
	h := t.heap
	t.tlab.Pad(h.model)
	h.threadsMu.Lock()
	delete(h.threads, t)
	h.retiredTLAB = addTLABStats(h.retiredTLAB, t.tlab.Stats())
	h.threadsMu.Unlock()
	t.handles = nil
	h.world.Leave()
}

func (t *Thread) Name() string { return t.name }

func (t *Thread) Heap() *Heap { return t.heap }

// Park gives up the thread's share of the world, letting collections run.
// The thread must not touch the heap until Unpark.
func (t *Thread) Park() {
	if t.parked {
		panic(fmt.Sprintf("heap: thread %s parked twice", t.name))
	}
	t.parked = true
	t.heap.world.Leave()
}

func (t *Thread) Unpark() {
	t.heap.world.Enter()
	t.parked = false
}

// Blocking runs fn parked. Any wait for another goroutine belongs here.
func (t *Thread) Blocking(fn func()) {
	t.Park()
	defer t.Unpark()
	fn()
}

// Safepoint lets a pending collection run.
func (t *Thread) Safepoint() {
	t.heap.world.Poll()
}

func (t *Thread) NewHandle(ref memory.Address) Handle {
	t.handles = append(t.handles, ref)
	return Handle(len(t.handles) - 1)
}

func (t *Thread) Get(h Handle) memory.Address { return t.handles[h] }

func (t *Thread) Set(h Handle, ref memory.Address) { t.handles[h] = ref }

// HandleMark returns the current top of the handle table.
func (t *Thread) HandleMark() int {
	return len(t.handles)
}

// ReleaseHandles drops every handle created since mark.
func (t *Thread) ReleaseHandles(mark int) {
	for i := mark; i < len(t.handles); i++ {
		t.handles[i] = 0
	}
	t.handles = t.handles[:mark]
}

func (t *Thread) visitHandles(visit RootVisitor) {
	for i := range t.handles {
		if !t.handles[i].IsZero() {
			visit(&t.handles[i])
		}
	}
}

func cellSize(size memory.Size) memory.Size {
	size = size.AlignUp(memory.WordSize)
	if size < layout.MinCellSize {
		size = layout.MinCellSize
	}
	return size
}

// Allocate returns a zero-filled cell of at least size bytes from the shared
// allocator. The caller formats it before its next safepoint.
func (t *Thread) Allocate(size memory.Size) (memory.Address, error) {
	t.Safepoint()
	return t.heap.allocate(t, cellSize(size))
}

// TLABAllocate is Allocate served from the thread's local buffer.
func (t *Thread) TLABAllocate(size memory.Size) (memory.Address, error) {
	t.Safepoint()
	size = cellSize(size)
	if cell, ok := t.tlab.Allocate(size); ok {
		return cell, nil
	}
	return t.tlabOverflow(size)
}

func (t *Thread) tlabOverflow(size memory.Size) (memory.Address, error) {
	h := t.heap
	switch t.tlab.Overflow(size) {
	case tlab.AllocateFirst:
		if !h.cfg.UseTLAB {
			t.tlab.Install(tlab.NeverRefill{})
			return h.allocate(t, size)
		}
		p := tlab.NewSimpleRefillPolicy(memory.Size(h.cfg.TLABSize))
		t.tlab.Install(p)
		if h.cfg.Verbose {
			logger.Printf("TLAB:thread %s installed %s buffers\n", t.name, p.Size())
		}
		if size > p.Size() {
			return h.allocate(t, size)
		}
	case tlab.Direct:
		return h.allocate(t, size)
	}
	if !t.refillTLAB() {
		return h.allocate(t, size)
	}
	if cell, ok := t.tlab.Allocate(size); ok {
		return cell, nil
	}
	return h.allocate(t, size)
}

// refillTLAB pads the current buffer and takes a fresh one. It reports false
// when no buffer could be had even after a collection.
func (t *Thread) refillTLAB() bool {
	h := t.heap
	size := t.tlab.Policy().Size()
	t.tlab.Pad(h.model)
	chunk, ok := h.allocateTLAB(t, size)
	if !ok {
		return false
	}
	t.tlab.Reset(chunk, chunk.Plus(size))
	if h.cfg.Verbose && h.cfg.LogPhases {
		logger.Printf("TLAB:thread %s refill %s at %s\n", t.name, size, chunk)
	}
	return true
}

// TLABStats reports the thread's buffer counters.
func (t *Thread) TLABStats() tlab.Stats {
	return t.tlab.Stats()
}

// NewTuple allocates and formats a tuple of hub.
func (t *Thread) NewTuple(hub *layout.Hub) (memory.Address, error) {
	if hub.IsArray() {
		return 0, fmt.Errorf("heap: %s is an array type", hub.Name)
	}
	cell, err := t.TLABAllocate(layout.TupleSize(hub))
	if err != nil {
		return 0, err
	}
	t.heap.model.InitTuple(cell, hub)
	return cell, nil
}

// NewArray allocates and formats an array of n elements.
func (t *Thread) NewArray(hub *layout.Hub, n int) (memory.Address, error) {
	if !hub.IsArray() {
		return 0, fmt.Errorf("heap: %s is not an array type", hub.Name)
	}
	if n < 0 {
		return 0, fmt.Errorf("heap: negative array length %d", n)
	}
	cell, err := t.TLABAllocate(layout.ArraySize(hub, n))
	if err != nil {
		return 0, err
	}
	t.heap.model.InitArray(cell, hub, n)
	return cell, nil
}

func (t *Thread) ReadRef(cell memory.Address, field int) memory.Address {
	return t.heap.model.ReadRef(cell, field)
}

// WriteRef stores v and runs the write barrier.
func (t *Thread) WriteRef(cell memory.Address, field int, v memory.Address) {
	m := t.heap.model
	m.WriteRef(cell, field, v)
	t.heap.scheme.barrier(cell, m.SlotAddress(cell, field))
}

func (t *Thread) checkIndex(array memory.Address, i int) {
	if n := t.heap.model.Length(array); i < 0 || i >= n {
		panic(fmt.Sprintf("heap: index %d out of range [0, %d)", i, n))
	}
}

func (t *Thread) ReadElement(array memory.Address, i int) memory.Address {
	t.checkIndex(array, i)
	return t.heap.model.ReadRef(array, i)
}

func (t *Thread) WriteElement(array memory.Address, i int, v memory.Address) {
	t.checkIndex(array, i)
	t.WriteRef(array, i, v)
}

// ReadWord reads a non-reference field or word array element.
func (t *Thread) ReadWord(cell memory.Address, field int) uint64 {
	m := t.heap.model
	return m.VM().ReadWord(m.SlotAddress(cell, field))
}

func (t *Thread) WriteWord(cell memory.Address, field int, v uint64) {
	m := t.heap.model
	m.VM().WriteWord(m.SlotAddress(cell, field), v)
}

func (t *Thread) Length(array memory.Address) int {
	return t.heap.model.Length(array)
}

func (t *Thread) Hub(cell memory.Address) *layout.Hub {
	return t.heap.model.Hub(cell)
}

// PollReference takes the oldest special reference whose referent was
// cleared, if any.
func (t *Thread) PollReference() (memory.Address, bool) {
	return t.heap.refs.Poll()
}

// CollectGarbage requests a collection leaving at least requested bytes
// free; zero asks for a full explicit collection.
func (t *Thread) CollectGarbage(requested memory.Size) bool {
	return t.heap.collectGarbage(t, requested)
}

// Stats takes a snapshot with the world stopped.
func (t *Thread) Stats() (Stats, error) {
	return t.heap.stats(t)
}

// WalkHeap visits every live cell with the world stopped.
func (t *Thread) WalkHeap(visit func(cell memory.Address, hub *layout.Hub, size memory.Size) bool) error {
	return t.heap.walkHeap(t, visit)
}
