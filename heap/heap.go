package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gengc/alloc"
	"gengc/config"
	"gengc/gclog"
	"gengc/layout"
	"gengc/memory"
	"gengc/safepoint"
	"gengc/specialref"
	"gengc/tlab"
)

// zapPattern fills evacuated space when ZapFromSpace is set. It is never a
// valid header or heap address.
const zapPattern uint64 = 0xdeadbeefdeadbeef

// scheme is a heap layout with its collector. Methods not documented
// otherwise run with the world stopped.
type scheme interface {
	name() string
	tag() string
	// allocate serves a request bypassing the TLAB. It runs on the mutator.
	allocate(t *Thread, size memory.Size) (memory.Address, error)
	// tlabArea is the allocator TLAB chunks come from.
	tlabArea() *alloc.BumpPointerAllocator
	// barrier records a reference store. It runs on the mutator.
	barrier(holder, slot memory.Address)
	// collectGarbage makes requested bytes available, collecting and
	// growing as needed. It runs on the mutator and only fails with ErrClosed.
	collectGarbage(p safepoint.Parker, requested memory.Size) (bool, error)
	collect(ctx *collectionContext)
	increase(delta memory.Size) bool
	releaseSafetyZone()
	installSafetyZone() bool
	freeSpace() memory.Size
	usedSpace() memory.Size
	// maxRequest is the largest cell the heap could ever hold.
	maxRequest() memory.Size
	contains(a memory.Address) bool
	walk(visit func(cell memory.Address, size memory.Size) bool)
	verify(when string, cells map[memory.Address]struct{})
	spaces() []SpaceStats
}

// Heap is a garbage collected heap in a simulated address space. Mutators
// attach threads to it; collections run on a single operation thread while
// every attached thread is parked.
type Heap struct {
	cfg    config.Config
	hubs   *layout.Hubs
	vm     *memory.VirtualMemory
	model  *layout.Model
	world  *safepoint.World
	ops    *safepoint.OperationThread
	refs   *specialref.Manager
	events *gclog.Journal
	scheme scheme

	threadsMu   sync.Mutex
	threads     map[*Thread]struct{}
	retiredTLAB tlab.Stats

	globals     Globals
	providersMu sync.Mutex
	providers   []RootProvider

	// collections is the epoch concurrent requests compare against.
	collections atomic.Uint64
	zoneMu      sync.Mutex
	inZone      atomic.Bool
	closed      atomic.Bool

	statsMu  sync.Mutex
	counters counters
}

type counters struct {
	collections uint64
	minor       uint64
	full        uint64
	grows       uint64
	shrinks     uint64
	oom         uint64
	gcTime      time.Duration
	lastPause   time.Duration
	lastGC      time.Time
}

// New builds a heap from cfg and starts its operation thread.
func New(cfg config.Config) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Heap{
		cfg:     cfg,
		hubs:    layout.NewHubs(),
		world:   safepoint.NewWorld(),
		events:  gclog.NewJournal(cfg.EventBuffer),
		threads: make(map[*Thread]struct{}),
	}
	var err error
	switch cfg.Scheme {
	case config.SchemeSemiSpace:
		h.scheme, err = newSemiSpace(h)
	case config.SchemeGenSS:
		h.scheme, err = newGenSS(h)
	default:
		err = fmt.Errorf("heap: unknown scheme %q", cfg.Scheme)
	}
	if err != nil {
		return nil, err
	}
	h.events.SetVerbose(cfg.Verbose)
	if cfg.Events.RedisAddr != "" {
		sink, err := gclog.DialRedis(cfg.Events.RedisAddr, cfg.Events.Stream, cfg.Events.MaxLen)
		if err != nil {
			return nil, err
		}
		h.events.AddSink(sink, cfg.EventBuffer)
	}
	h.ops = safepoint.NewOperationThread(h.world)
	h.ops.Start()
	if cfg.Verbose {
		logger.Printf("%s:heap %s..%s, %s committed\n", h.scheme.tag(), h.vm.Base(), h.vm.Limit(), h.committed())
	}
	return h, nil
}

// setVM is called by the scheme constructors once they know the size of
// the address space they need.
func (h *Heap) setVM(vm *memory.VirtualMemory) {
	h.vm = vm
	h.model = layout.NewModel(vm, h.hubs)
	h.refs = specialref.NewManager(h.model)
}

func (h *Heap) Config() config.Config   { return h.cfg }
func (h *Heap) Hubs() *layout.Hubs      { return h.hubs }
func (h *Heap) Model() *layout.Model    { return h.model }
func (h *Heap) Globals() *Globals       { return &h.globals }
func (h *Heap) Events() *gclog.Journal  { return h.events }
func (h *Heap) World() *safepoint.World { return h.world }

func (h *Heap) References() *specialref.Manager {
	return h.refs
}

// Close stops the operation thread after the queued operations ran and
// closes the event sinks.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.ops.Close()
	return h.events.Close()
}

func (h *Heap) submit(p safepoint.Parker, name string, priority uint8, run func(tok *safepoint.Token)) error {
	if h.closed.Load() {
		return ErrClosed
	}
	err := h.ops.Submit(safepoint.NewOperation(name, priority, run), p)
	if errors.Is(err, safepoint.ErrClosed) {
		return ErrClosed
	}
	return err
}

// requestCollection runs a collection for r. When satisfied is given and a
// collection finished since the caller looked, the request is dropped if
// satisfied already holds: threads that ran short together share one pause.
func (h *Heap) requestCollection(p safepoint.Parker, r request, satisfied func() bool) (grew bool, err error) {
	epoch := h.collections.Load()
	err = h.submit(p, "gc:"+string(r.reason), safepoint.HighPriority, func(tok *safepoint.Token) {
		if satisfied != nil && h.collections.Load() != epoch && satisfied() {
			return
		}
		grew = h.runCollection(tok, r)
	})
	return grew, err
}

func (h *Heap) runCollection(tok *safepoint.Token, r request) bool {
	ctx := h.newContext(tok, r)
	ctx.usedBefore = h.scheme.usedSpace()
	ctx.phase("pad tlabs", h.padTLABs)
	if h.cfg.VerifyReferences {
		ctx.phase("verify before", func() { h.verify("before " + string(r.reason)) })
	}
	h.scheme.collect(ctx)
	if h.cfg.VerifyReferences {
		ctx.phase("verify after", func() { h.verify("after " + string(r.reason)) })
	}
	h.collections.Add(1)
	h.finish(ctx)
	return ctx.resized
}

func (h *Heap) padTLABs() {
	h.threadsMu.Lock()
	defer h.threadsMu.Unlock()
	for t := range h.threads {
		t.tlab.Pad(h.model)
	}
}

// processReferences runs after the strong closure: soft referents are kept
// unless clearSoft, then weak references are cleared and phantom referents
// preserved. Preserved cells may hold more references, so both passes repeat
// until they keep nothing new.
func (h *Heap) processReferences(ctx *collectionContext, gc gcClosure) {
	ctx.phase("references", func() {
		for {
			for h.refs.PreserveSoft(gc, ctx.clearSoft) > 0 {
				gc.Closure()
			}
			if h.refs.Process(gc) == 0 {
				break
			}
			gc.Closure()
		}
		h.refs.Done()
	})
}

type gcClosure interface {
	specialref.GC
	Closure()
}

func (h *Heap) finish(ctx *collectionContext) {
	pause := ctx.pause()
	used := h.scheme.usedSpace()
	h.statsMu.Lock()
	c := &h.counters
	c.collections++
	if ctx.kind == gclog.KindFull {
		c.full++
	} else {
		c.minor++
	}
	if ctx.resized {
		if ctx.shrink > 0 {
			c.shrinks++
		} else {
			c.grows++
		}
	}
	c.gcTime += pause
	c.lastPause = pause
	c.lastGC = time.Now()
	h.statsMu.Unlock()
	if h.cfg.Verbose {
		logger.Printf("%s:%s collection (%s) %s -> %s, evacuated %s in %v\n",
			ctx.tag, ctx.kind, ctx.reason, ctx.usedBefore, used, ctx.evacuated, pause)
	}
	h.events.Record(gclog.Event{
		Kind:       ctx.kind,
		Scheme:     h.scheme.name(),
		Reason:     string(ctx.reason),
		Requested:  uint64(ctx.requested),
		UsedBefore: uint64(ctx.usedBefore),
		UsedAfter:  uint64(used),
		Evacuated:  uint64(ctx.evacuated),
		Committed:  uint64(h.committed()),
		Pause:      pause,
		Phases:     ctx.phases,
	})
}

func (h *Heap) recordResize(kind gclog.Kind, reason Reason, delta memory.Size) {
	h.statsMu.Lock()
	if kind == gclog.KindGrow {
		h.counters.grows++
	} else {
		h.counters.shrinks++
	}
	h.statsMu.Unlock()
	h.events.Record(gclog.Event{
		Kind:      kind,
		Scheme:    h.scheme.name(),
		Reason:    string(reason),
		Requested: uint64(delta),
		UsedAfter: uint64(h.scheme.usedSpace()),
		Committed: uint64(h.committed()),
	})
}

func (h *Heap) committed() memory.Size {
	var n memory.Size
	for _, s := range h.scheme.spaces() {
		n += s.Committed
	}
	return n
}

// allocate serves requests that do not go through a TLAB.
func (h *Heap) allocate(t *Thread, size memory.Size) (memory.Address, error) {
	if h.cfg.GCBeforeAllocation {
		if _, err := h.requestCollection(t, request{reason: ReasonAllocation, requested: size}, nil); err != nil {
			return 0, err
		}
	}
	return h.scheme.allocate(t, size)
}

// allocateTLAB takes a zero-filled chunk for a TLAB, collecting once if the
// first attempt fails. Running out here is not an error: the thread falls
// back to allocating the cell directly.
func (h *Heap) allocateTLAB(t *Thread, size memory.Size) (memory.Address, bool) {
	if h.cfg.GCBeforeAllocation {
		if _, err := h.requestCollection(t, request{reason: ReasonAllocation, requested: size}, nil); err != nil {
			return 0, false
		}
	}
	area := h.scheme.tlabArea()
	if cell, ok := area.TryAllocate(size); ok {
		return cell, true
	}
	if ok, err := h.scheme.collectGarbage(t, size); !ok || err != nil {
		return 0, false
	}
	return area.TryAllocate(size)
}

// outOfMemory fails a request of size bytes. The first failure hands the
// safety zone to the mutators; failing again before a collection took the
// heap out of the zone is fatal.
func (h *Heap) outOfMemory(size memory.Size) error {
	h.statsMu.Lock()
	h.counters.oom++
	h.statsMu.Unlock()
	if size > h.scheme.maxRequest() {
		h.events.Record(gclog.Event{Kind: gclog.KindOutOfMemory, Scheme: h.scheme.name(), Requested: uint64(size)})
		return fmt.Errorf("%w: %s exceeds the largest possible cell", ErrOutOfMemory, size)
	}
	h.zoneMu.Lock()
	defer h.zoneMu.Unlock()
	if h.inZone.Load() {
		memory.Throw("allocate", h.scheme.name(), 0, "out of memory again after reporting out of memory (%s requested)", size)
	}
	h.inZone.Store(true)
	h.scheme.releaseSafetyZone()
	h.events.Record(gclog.Event{Kind: gclog.KindOutOfMemory, Scheme: h.scheme.name(), Requested: uint64(size)})
	if h.cfg.Verbose {
		logger.Printf("%s:out of memory for %s, safety zone released\n", h.scheme.tag(), size)
	}
	return fmt.Errorf("%w: %s requested", ErrOutOfMemory, size)
}

// armSafetyZone puts top zone bytes below the end of a fresh allocation
// area, unless the zone is currently handed out.
func armSafetyZone(a *alloc.BumpPointerAllocator, zone memory.Size, released bool) {
	end := a.End()
	if released || end.Diff(a.Start()) < zone {
		a.SetTop(end)
		return
	}
	a.SetTop(end.Minus(zone))
}

// installSafetyZone takes the zone back from the free space if there is
// more free space than the zone.
func installSafetyZone(a *alloc.BumpPointerAllocator, zone memory.Size) bool {
	if a.FreeSpace() <= zone {
		return false
	}
	a.SetTop(a.Top().Minus(zone))
	return true
}

// leaveSafetyZone re-arms the safety zone once a collection freed enough.
func (h *Heap) leaveSafetyZone() {
	if !h.inZone.Load() {
		return
	}
	h.zoneMu.Lock()
	defer h.zoneMu.Unlock()
	if h.inZone.Load() && h.scheme.installSafetyZone() {
		h.inZone.Store(false)
	}
}

// InSafetyZone reports whether the safety zone has been handed out.
func (h *Heap) InSafetyZone() bool {
	return h.inZone.Load()
}

func (h *Heap) collectGarbage(p safepoint.Parker, requested memory.Size) bool {
	if h.closed.Load() {
		return false
	}
	ok, err := h.scheme.collectGarbage(p, requested)
	return ok && err == nil
}

// CollectGarbage is Thread.CollectGarbage for goroutines that are not
// attached threads.
func (h *Heap) CollectGarbage(requested memory.Size) bool {
	return h.collectGarbage(nil, requested)
}

// IncreaseMemory commits delta more bytes to the heap, up to its maximum.
func (h *Heap) IncreaseMemory(delta memory.Size) (bool, error) {
	var grew bool
	err := h.submit(nil, "grow", safepoint.MiddlePriority, func(tok *safepoint.Token) {
		tok.Check()
		if grew = h.scheme.increase(delta); grew {
			h.recordResize(gclog.KindGrow, ReasonGrow, delta)
		}
	})
	return grew, err
}

// DecreaseMemory collects and then uncommits up to delta bytes, never
// below what survived.
func (h *Heap) DecreaseMemory(delta memory.Size) (bool, error) {
	if delta == 0 {
		return false, nil
	}
	return h.requestCollection(nil, request{reason: ReasonShrink, full: true, shrink: delta}, nil)
}

// ReportFreeSpace and ReportUsedSpace take a snapshot; attached threads use
// Thread.Stats instead.
func (h *Heap) ReportFreeSpace() memory.Size {
	s, _ := h.stats(nil)
	return s.Free
}

func (h *Heap) ReportUsedSpace() memory.Size {
	s, _ := h.stats(nil)
	return s.Used
}

// Contains reports whether a lies in the allocated part of the heap. Only
// meaningful for attached threads, between safepoints.
func (h *Heap) Contains(a memory.Address) bool {
	return h.scheme.contains(a)
}

// Stats takes a snapshot with the world stopped.
func (h *Heap) Stats() (Stats, error) {
	return h.stats(nil)
}

// WalkHeap visits every live cell with the world stopped.
func (h *Heap) WalkHeap(visit func(cell memory.Address, hub *layout.Hub, size memory.Size) bool) error {
	return h.walkHeap(nil, visit)
}

func (h *Heap) walkHeap(p safepoint.Parker, visit func(cell memory.Address, hub *layout.Hub, size memory.Size) bool) error {
	return h.submit(p, "walk", safepoint.LowPriority, func(tok *safepoint.Token) {
		tok.Check()
		h.padTLABs()
		h.scheme.walk(func(cell memory.Address, size memory.Size) bool {
			if tag, _ := h.model.State(cell); tag != layout.Live {
				return true
			}
			return visit(cell, h.model.Hub(cell), size)
		})
	})
}
