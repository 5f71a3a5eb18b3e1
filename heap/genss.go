package heap

import (
	"fmt"
	"sync/atomic"

	"gengc/alloc"
	"gengc/evac"
	"gengc/gclog"
	"gengc/layout"
	"gengc/memory"
	"gengc/rset"
	"gengc/safepoint"
	"gengc/sizing"
)

// GenSS is a two generation heap: a nursery evacuated into the old
// generation by minor collections, and an old generation made of two
// semi-spaces swapped by full collections. Old to young references are
// remembered with a card table covering the whole reservation.
//
// Each old semi-space reserves the maximum old size plus the maximum nursery,
// so a full collection can always take every survivor of both generations.
// Outside full collections the old generation never passes its maximum size:
// a minor collection that might promote past it runs as a full one instead.
type GenSS struct {
	h       *Heap
	policy  *sizing.GenSSPolicy
	young   *memory.ContiguousHeapSpace
	oldTo   *memory.ContiguousHeapSpace
	oldFrom *memory.ContiguousHeapSpace
	nursery *alloc.BumpPointerAllocator
	old     *alloc.BumpPointerAllocator
	rset    *rset.CardTableRSet
	evac    *evac.Evacuator
	maxOld  memory.Size
	zone    memory.Size

	evacuating    bool
	evacLimit     memory.Address
	lastEvacuated memory.Size

	// mutatorOverflow is set when a mutator allocation did not fit in the
	// old generation since the last full collection.
	mutatorOverflow atomic.Bool
	// exhausted is set while the live old data exceeds the maximum old size.
	exhausted atomic.Bool
}

func newGenSS(h *Heap) (*GenSS, error) {
	cfg := h.cfg
	page := memory.Size(cfg.PageSize)
	policy, err := sizing.NewGenSSPolicy(memory.Size(cfg.InitialSize), memory.Size(cfg.MaxSize), cfg.YoungGenPercent, page)
	if err != nil {
		return nil, err
	}
	policy.SetVerbose(cfg.Verbose)
	maxYoung := memory.MaxSize(policy.MaxYoungGenSize(), memory.MaxSize(policy.MinYoungGenSize(), policy.InitialYoungGenSize()))
	maxOld := policy.MaxOldGenSize()
	oldReserve := (maxOld + maxYoung).AlignUp(page)
	total := maxYoung + 2*oldReserve

	vm := memory.NewVirtualMemory(total, page)
	h.setVM(vm)
	base, err := vm.Reserve(total)
	if err != nil {
		return nil, err
	}
	g := &GenSS{
		h:       h,
		policy:  policy,
		young:   memory.NewContiguousHeapSpace("young", vm),
		oldTo:   memory.NewContiguousHeapSpace("old-a", vm),
		oldFrom: memory.NewContiguousHeapSpace("old-b", vm),
		rset:    rset.New(h.model, base, total),
		evac:    evac.New(h.model),
		maxOld:  maxOld,
	}
	if err := g.young.Attach(base, maxYoung, policy.InitialYoungGenSize()); err != nil {
		return nil, err
	}
	if err := g.oldTo.Attach(base.Plus(maxYoung), oldReserve, policy.InitialOldGenSize()); err != nil {
		return nil, err
	}
	if err := g.oldFrom.Attach(base.Plus(maxYoung+oldReserve), oldReserve, 0); err != nil {
		return nil, err
	}
	g.zone = safetyZoneSize(cfg, g.young.CommittedSize())
	g.nursery = alloc.NewBumpPointerAllocator("young", h.model, nurseryRefiller{g})
	g.resetNursery()
	g.old = alloc.NewBumpPointerAllocator("old", h.model, g)
	g.old.SetHook(g.rset.UpdateFOT)
	g.old.Reset(g.oldTo.Start(), g.oldTo.CommittedEnd())
	g.limitOld()
	g.evac.OnSpecialReference(h.refs.Discover)
	if cfg.Verbose {
		logger.Printf("GENSS:young %s (max %s), old %s (max %s), card table over %s\n",
			g.young.CommittedSize(), maxYoung, g.oldTo.CommittedSize(), maxOld, total)
	}
	return g, nil
}

func (g *GenSS) name() string { return "genss" }
func (g *GenSS) tag() string  { return "GENSS" }

func (g *GenSS) tlabArea() *alloc.BumpPointerAllocator { return g.nursery }

// RSet exposes the card table, for tests and tools.
func (g *GenSS) RSet() *rset.CardTableRSet { return g.rset }

func (g *GenSS) barrier(holder, slot memory.Address) {
	if g.young.InReservation(holder) {
		return
	}
	g.rset.Record(holder, slot.Diff(holder))
}

// largeObjectSize is the size from which cells go straight to the old
// generation.
func (g *GenSS) largeObjectSize() memory.Size {
	return g.young.CommittedSize() / 4
}

func (g *GenSS) allocate(t *Thread, size memory.Size) (memory.Address, error) {
	if size >= g.largeObjectSize() {
		return g.old.Allocate(t, size)
	}
	return g.nursery.Allocate(t, size)
}

type nurseryRefiller struct {
	g *GenSS
}

func (r nurseryRefiller) AllocateRefill(p safepoint.Parker, _ *alloc.BumpPointerAllocator, size memory.Size) (memory.Address, error) {
	ok, err := r.g.collectGarbage(p, size)
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}
	return 0, r.g.h.outOfMemory(size)
}

// AllocateRefill serves the old generation allocator. During an evacuation
// it commits more of the old reservation; for a mutator it runs a full
// collection.
func (g *GenSS) AllocateRefill(p safepoint.Parker, _ *alloc.BumpPointerAllocator, size memory.Size) (memory.Address, error) {
	if g.evacuating {
		return 0, g.commitOld(size, g.evacLimit)
	}
	if size > g.maxOld {
		return 0, g.h.outOfMemory(size)
	}
	g.mutatorOverflow.Store(true)
	satisfied := func() bool { return g.old.FreeSpace() >= size }
	if _, err := g.h.requestCollection(p, request{reason: ReasonAllocation, requested: size, full: true, old: true}, satisfied); err != nil {
		return 0, err
	}
	if satisfied() {
		return 0, nil
	}
	return 0, g.h.outOfMemory(size)
}

// commitOld commits enough of the old semi-space for size more bytes, and
// some slack, without passing limit.
func (g *GenSS) commitOld(size memory.Size, limit memory.Address) error {
	end := g.old.Mark().Plus(size)
	if end > limit {
		return fmt.Errorf("%s: %s past the old generation limit %s: %w", g.oldTo.Name(), size, limit, alloc.ErrRefill)
	}
	committed := g.oldTo.CommittedEnd()
	if end > committed {
		delta := memory.MaxSize(end.Diff(committed), g.oldTo.CommittedSize()/8)
		delta = memory.MinSize(delta, limit.Diff(committed))
		if !g.oldTo.GrowCommitted(delta) {
			return fmt.Errorf("%s: cannot commit %s: %w", g.oldTo.Name(), delta, alloc.ErrRefill)
		}
		g.old.SetEnd(g.oldTo.CommittedEnd())
	}
	g.old.SetTop(g.old.End())
	return nil
}

func (g *GenSS) oldLimit() memory.Address {
	return g.oldTo.Start().Plus(g.maxOld)
}

// limitOld keeps mutators and promotions below the maximum old size.
func (g *GenSS) limitOld() {
	top := g.old.End()
	if limit := g.oldLimit(); limit < top {
		top = limit
	}
	g.old.SetTop(top)
}

func (g *GenSS) resetNursery() {
	g.nursery.Reset(g.young.Start(), g.young.CommittedEnd())
	armSafetyZone(g.nursery, g.zone, g.h.inZone.Load())
}

func (g *GenSS) releaseSafetyZone() {
	g.nursery.SetTop(g.nursery.End())
}

func (g *GenSS) installSafetyZone() bool {
	return installSafetyZone(g.nursery, g.zone)
}

func (g *GenSS) freeSpace() memory.Size {
	return g.nursery.FreeSpace() + g.old.FreeSpace()
}

func (g *GenSS) usedSpace() memory.Size {
	return g.nursery.UsedSpace() + g.old.UsedSpace()
}

func (g *GenSS) maxRequest() memory.Size { return g.maxOld }

func (g *GenSS) contains(a memory.Address) bool {
	return g.nursery.Contains(a) || g.old.Contains(a)
}

// oldFree is the room left in the old generation at its current size.
func (g *GenSS) oldFree() memory.Size {
	size, used := g.policy.OldGenSize(), g.old.UsedSpace()
	if used >= size {
		return 0
	}
	return size - used
}

func (g *GenSS) collectGarbage(p safepoint.Parker, requested memory.Size) (bool, error) {
	h := g.h
	if requested == 0 {
		if !h.cfg.DisableExplicitGC {
			if _, err := h.requestCollection(p, request{reason: ReasonExplicit, full: true}, nil); err != nil {
				return false, err
			}
		}
		h.leaveSafetyZone()
		return true, nil
	}
	satisfied := func() bool { return !g.exhausted.Load() && g.nursery.FreeSpace() >= requested }
	if !satisfied() {
		if _, err := h.requestCollection(p, request{reason: ReasonAllocation, requested: requested}, satisfied); err != nil {
			return false, err
		}
	}
	if !satisfied() {
		if _, err := h.requestCollection(p, request{reason: ReasonLastDitch, requested: requested, full: true, clearSoft: true}, satisfied); err != nil {
			return false, err
		}
	}
	if !satisfied() {
		return false, nil
	}
	h.leaveSafetyZone()
	return true, nil
}

func (g *GenSS) collect(ctx *collectionContext) {
	if ctx.full {
		g.full(ctx)
		return
	}
	g.minor(ctx)
}

func (g *GenSS) minor(ctx *collectionContext) {
	h := g.h
	youngUsed := g.nursery.UsedSpace()
	oldMark := g.old.Mark()
	if oldMark.Plus(youngUsed) > g.oldLimit() {
		g.policy.NotifyMinorEvacuationOverflow()
		ctx.reason = ReasonOverflow
		g.full(ctx)
		return
	}
	ctx.kind = gclog.KindMinor
	g.evacuating, g.evacLimit = true, g.oldLimit()
	g.old.SetTop(g.old.End())
	g.evac.Begin(g.old, memory.NewMemoryRegion("young", g.young.Start(), youngUsed))
	ctx.phase("roots", func() { h.visitRoots(g.evac.VisitRoot) })
	ctx.phase("cards", func() { g.rset.CleanAndVisitCards(g.oldTo.Start(), oldMark, g.evac.VisitSlot) })
	ctx.phase("closure", g.evac.Closure)
	h.processReferences(ctx, g.evac)
	g.evac.End()
	g.evacuating = false
	ctx.evacuated = g.evac.EvacuatedBytes()
	g.lastEvacuated = ctx.evacuated
	if h.cfg.ZapFromSpace && youngUsed > 0 {
		ctx.phase("zap", func() { h.vm.Fill(g.young.Start(), youngUsed, zapPattern) })
	}
	g.resetNursery()
	g.limitOld()

	estimate := sizing.EstimateSurvivors(h.cfg.MinSurvivingPercent, g.young.CommittedSize(), g.lastEvacuated)
	if g.policy.ShouldPerformFullGC(estimate, g.oldFree(), g.mutatorOverflow.Load()) {
		ctx.reason = ReasonOverflow
		g.full(ctx)
	}
}

func (g *GenSS) full(ctx *collectionContext) {
	h := g.h
	ctx.kind = gclog.KindFull
	youngUsed := g.nursery.UsedSpace()
	oldUsed := g.old.UsedSpace()
	if oldUsed+youngUsed > g.oldFrom.ReservedSize() {
		// The survivors might not fit the other semi-space. Leave the heap
		// as it is and let the requester fail.
		g.exhausted.Store(true)
		logger.Printf("GENSS:%s in use exceeds the %s old reservation, full collection skipped\n",
			oldUsed+youngUsed, g.oldFrom.ReservedSize())
		return
	}
	ctx.phase("flip", func() {
		g.oldTo, g.oldFrom = g.oldFrom, g.oldTo
		g.oldTo.ResizeCommitted(memory.MaxSize(g.policy.OldGenSize(), g.oldFrom.CommittedSize()), 0)
		g.old.Reset(g.oldTo.Start(), g.oldTo.CommittedEnd())
	})
	g.evacuating, g.evacLimit = true, g.oldTo.ReservedEnd()
	g.evac.Begin(g.old,
		memory.NewMemoryRegion(g.oldFrom.Name(), g.oldFrom.Start(), oldUsed),
		memory.NewMemoryRegion(g.young.Name(), g.young.Start(), youngUsed))
	ctx.phase("roots", func() { h.visitRoots(g.evac.VisitRoot) })
	ctx.phase("closure", g.evac.Closure)
	h.processReferences(ctx, g.evac)
	g.evac.End()
	g.evacuating = false
	ctx.evacuated = g.evac.EvacuatedBytes()
	ctx.phase("clear cards", func() {
		g.rset.ClearRange(g.young.Start(), g.young.ReservedEnd())
		g.rset.ClearRange(g.oldFrom.Start(), g.oldFrom.ReservedEnd())
		g.rset.Table().SetRange(g.oldTo.Start(), g.oldTo.ReservedEnd(), rset.Clean)
	})
	if h.cfg.ZapFromSpace && youngUsed > 0 {
		ctx.phase("zap", func() { h.vm.Fill(g.young.Start(), youngUsed, zapPattern) })
	}
	g.oldFrom.ResizeCommitted(0, 0)
	g.resetNursery()

	live := g.old.UsedSpace()
	g.exhausted.Store(live > g.maxOld)
	overflow := g.mutatorOverflow.Swap(false)
	switch {
	case ctx.shrink > 0:
		ctx.resized = g.shrink(ctx.shrink)
	default:
		estimate := sizing.EstimateSurvivors(h.cfg.MinSurvivingPercent, g.young.CommittedSize(), g.lastEvacuated)
		if g.policy.ResizeAfterFullGC(estimate, g.oldFree(), overflow) {
			g.applySizes()
			ctx.resized = true
		}
	}
	if ctx.old && g.old.FreeSpace() < ctx.requested {
		if err := g.commitOld(ctx.requested, g.oldLimit()); err != nil && h.cfg.Verbose {
			logger.Printf("GENSS:%v\n", err)
		}
	}
	g.limitOld()
	if g.exhausted.Load() && h.cfg.Verbose {
		logger.Printf("GENSS:%s live in the old generation, above its %s maximum\n", live, g.maxOld)
	}
}

// applySizes commits the generation sizes the policy settled on.
func (g *GenSS) applySizes() {
	g.young.ResizeCommitted(g.policy.YoungGenSize(), 0)
	g.resetNursery()
	g.oldTo.ResizeCommitted(g.policy.OldGenSize(), g.old.UsedSpace())
	g.old.SetEnd(g.oldTo.CommittedEnd())
	if g.h.cfg.Verbose {
		logger.Printf("GENSS:young %s, old %s\n", g.young.CommittedSize(), g.oldTo.CommittedSize())
	}
}

func (g *GenSS) shrink(delta memory.Size) bool {
	cur := g.oldTo.CommittedSize()
	used := g.old.UsedSpace()
	target := used
	if delta < cur && cur-delta > used {
		target = cur - delta
	}
	next := g.oldTo.ResizeCommitted(target, used)
	if next >= cur {
		return false
	}
	g.old.SetEnd(g.oldTo.CommittedEnd())
	return true
}

func (g *GenSS) increase(delta memory.Size) bool {
	cur := g.oldTo.CommittedSize()
	target := memory.MinSize(cur+delta, memory.MaxSize(g.maxOld, cur))
	next := g.oldTo.ResizeCommitted(target, g.old.UsedSpace())
	if next <= cur {
		return false
	}
	g.old.SetEnd(g.oldTo.CommittedEnd())
	g.limitOld()
	return true
}

func (g *GenSS) walk(visit func(cell memory.Address, size memory.Size) bool) {
	stopped := false
	g.h.model.Walk(g.oldTo.Start(), g.old.Mark(), func(cell memory.Address, size memory.Size) bool {
		if !visit(cell, size) {
			stopped = true
		}
		return !stopped
	})
	if !stopped {
		g.h.model.Walk(g.young.Start(), g.nursery.Mark(), visit)
	}
}

// verify checks that every old to young reference lies on a dirty card and
// that the barrier never dirtied a nursery card.
func (g *GenSS) verify(when string, _ map[memory.Address]struct{}) {
	if card, ok := g.rset.CheckNoCard(g.young.Start(), g.young.ReservedEnd(), rset.Dirty); ok {
		memory.Throw("verify", g.young.Name(), card, "%s: dirty card in the nursery", when)
	}
	m := g.h.model
	vm := g.h.vm
	table := g.rset.Table()
	m.Walk(g.oldTo.Start(), g.old.Mark(), func(cell memory.Address, _ memory.Size) bool {
		if tag, _ := m.State(cell); tag != layout.Live {
			return true
		}
		m.VisitReferences(cell, func(slot memory.Address) {
			ref := vm.ReadAddress(slot)
			if g.young.InReservation(ref) && !table.IsDirty(slot) {
				memory.Throw("verify", g.oldTo.Name(), slot, "%s: reference to young cell %s on a clean card", when, ref)
			}
		})
		return true
	})
}

func (g *GenSS) spaces() []SpaceStats {
	return []SpaceStats{
		spaceStats("young", g.young, g.nursery.UsedSpace()),
		spaceStats("old", g.oldTo, g.old.UsedSpace()),
		spaceStats("old-from", g.oldFrom, 0),
	}
}
