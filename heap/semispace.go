package heap

import (
	"gengc/alloc"
	"gengc/config"
	"gengc/evac"
	"gengc/gclog"
	"gengc/memory"
	"gengc/safepoint"
	"gengc/sizing"
)

// SemiSpace allocates in one half of the heap and evacuates the reachable
// cells into the other half at each collection. Both halves reserve half of
// the maximum heap; growth commits more of the reservations.
type SemiSpace struct {
	h        *Heap
	to, from *memory.ContiguousHeapSpace
	alloc    *alloc.BumpPointerAllocator
	evac     *evac.Evacuator
	grow     sizing.GrowPolicy
	maxSpace memory.Size
	zone     memory.Size
}

func newSemiSpace(h *Heap) (*SemiSpace, error) {
	cfg := h.cfg
	page := memory.Size(cfg.PageSize)
	maxSpace := (memory.Size(cfg.MaxSize) / 2).AlignUp(page)
	initial := memory.MinSize((memory.Size(cfg.InitialSize) / 2).AlignUp(page), maxSpace)
	policy, err := sizing.ParseGrowPolicy(cfg.GrowPolicy, memory.Size(cfg.GrowIncrement).AlignUp(page))
	if err != nil {
		return nil, err
	}
	h.setVM(memory.NewVirtualMemory(2*maxSpace, page))
	s := &SemiSpace{
		h:        h,
		to:       memory.NewContiguousHeapSpace("semispace-a", h.vm),
		from:     memory.NewContiguousHeapSpace("semispace-b", h.vm),
		grow:     policy,
		maxSpace: maxSpace,
	}
	if err := s.to.Reserve(maxSpace, initial); err != nil {
		return nil, err
	}
	if err := s.from.Reserve(maxSpace, initial); err != nil {
		return nil, err
	}
	s.zone = safetyZoneSize(cfg, initial)
	s.alloc = alloc.NewBumpPointerAllocator("semispace", h.model, s)
	s.alloc.Reset(s.to.Start(), s.to.CommittedEnd())
	s.armSafetyZone()
	s.evac = evac.New(h.model)
	s.evac.OnSpecialReference(h.refs.Discover)
	return s, nil
}

// safetyZoneSize holds back at least one TLAB, and never more than a quarter
// of the space it is taken from.
func safetyZoneSize(cfg config.Config, space memory.Size) memory.Size {
	zone := memory.Size(cfg.SafetyZoneSize)
	if cfg.UseTLAB {
		zone = memory.MaxSize(zone, memory.Size(cfg.TLABSize))
	}
	if limit := (space / 4).AlignDown(memory.WordSize); zone > limit {
		zone = limit
	}
	return zone
}

func (s *SemiSpace) name() string { return "semispace" }
func (s *SemiSpace) tag() string  { return "SEMISPACE" }

func (s *SemiSpace) tlabArea() *alloc.BumpPointerAllocator { return s.alloc }

func (s *SemiSpace) barrier(_, _ memory.Address) {}

func (s *SemiSpace) allocate(t *Thread, size memory.Size) (memory.Address, error) {
	return s.alloc.Allocate(t, size)
}

// AllocateRefill runs when a mutator allocation does not fit below top.
func (s *SemiSpace) AllocateRefill(p safepoint.Parker, _ *alloc.BumpPointerAllocator, size memory.Size) (memory.Address, error) {
	if size > s.maxSpace {
		return 0, s.h.outOfMemory(size)
	}
	ok, err := s.collectGarbage(p, size)
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}
	return 0, s.h.outOfMemory(size)
}

func (s *SemiSpace) armSafetyZone() {
	armSafetyZone(s.alloc, s.zone, s.h.inZone.Load())
}

func (s *SemiSpace) releaseSafetyZone() {
	s.alloc.SetTop(s.alloc.End())
}

func (s *SemiSpace) installSafetyZone() bool {
	return installSafetyZone(s.alloc, s.zone)
}

func (s *SemiSpace) freeSpace() memory.Size  { return s.alloc.FreeSpace() }
func (s *SemiSpace) usedSpace() memory.Size  { return s.alloc.UsedSpace() }
func (s *SemiSpace) maxRequest() memory.Size { return s.maxSpace }

func (s *SemiSpace) contains(a memory.Address) bool {
	return s.alloc.Contains(a)
}

func (s *SemiSpace) canGrow() bool {
	cur := s.to.CommittedSize()
	return cur < s.maxSpace && s.grow.Grow(cur, memory.WordSize) > cur
}

// collectGarbage follows the order of the original collector: collect if
// asked to or short of space, then grow while that helps, and last collect
// once more clearing soft references.
func (s *SemiSpace) collectGarbage(p safepoint.Parker, requested memory.Size) (bool, error) {
	h := s.h
	satisfied := func() bool { return s.alloc.FreeSpace() >= requested }
	if requested == 0 {
		if !h.cfg.DisableExplicitGC {
			if _, err := h.requestCollection(p, request{reason: ReasonExplicit, full: true}, nil); err != nil {
				return false, err
			}
		}
	} else if !satisfied() {
		if _, err := h.requestCollection(p, request{reason: ReasonAllocation, requested: requested}, satisfied); err != nil {
			return false, err
		}
	}
	if satisfied() {
		h.leaveSafetyZone()
		return true, nil
	}
	for s.canGrow() {
		grew, err := h.requestCollection(p, request{reason: ReasonGrow, requested: requested, grow: true}, satisfied)
		if err != nil {
			return false, err
		}
		if satisfied() {
			h.leaveSafetyZone()
			return true, nil
		}
		if !grew {
			break
		}
	}
	if _, err := h.requestCollection(p, request{reason: ReasonLastDitch, requested: requested, clearSoft: true}, satisfied); err != nil {
		return false, err
	}
	if satisfied() {
		h.leaveSafetyZone()
		return true, nil
	}
	return false, nil
}

func (s *SemiSpace) collect(ctx *collectionContext) {
	h := s.h
	ctx.kind = gclog.KindFull
	var target memory.Size
	if ctx.grow && s.canGrow() {
		cur := s.to.CommittedSize()
		if next := memory.MinSize(s.grow.Grow(cur, ctx.requested).AlignUp(h.vm.PageSize()), s.maxSpace); next > cur {
			target = next
			s.from.ResizeCommitted(target, 0)
		}
	}
	fromUsed := s.alloc.UsedSpace()
	ctx.phase("flip", func() {
		s.from, s.to = s.to, s.from
		s.alloc.SetRefiller(nil)
		s.alloc.Reset(s.to.Start(), s.to.CommittedEnd())
	})
	if s.to.CommittedSize() < fromUsed {
		memory.Throw("collect", s.to.Name(), s.to.Start(), "to-space %s smaller than %s in use", s.to.CommittedSize(), fromUsed)
	}
	s.evac.Begin(s.alloc, memory.NewMemoryRegion(s.from.Name(), s.from.Start(), fromUsed))
	ctx.phase("roots", func() { h.visitRoots(s.evac.VisitRoot) })
	ctx.phase("closure", s.evac.Closure)
	h.processReferences(ctx, s.evac)
	s.evac.End()
	ctx.evacuated = s.evac.EvacuatedBytes()
	s.alloc.SetRefiller(s)
	if h.cfg.ZapFromSpace && fromUsed > 0 {
		ctx.phase("zap", func() { h.vm.Fill(s.from.Start(), fromUsed, zapPattern) })
	}
	switch {
	case target > 0:
		s.from.ResizeCommitted(target, 0)
		ctx.resized = true
		if h.cfg.Verbose {
			logger.Printf("SEMISPACE:grow semi-spaces to %s\n", s.to.CommittedSize())
		}
	case ctx.shrink > 0:
		ctx.resized = s.shrink(ctx.shrink)
	}
	s.armSafetyZone()
}

// shrink uncommits up to delta from both halves, keeping what is in use and
// the safety zone.
func (s *SemiSpace) shrink(delta memory.Size) bool {
	cur := s.to.CommittedSize()
	target := s.alloc.UsedSpace() + s.zone
	if delta < cur && cur-delta > target {
		target = cur - delta
	}
	next := s.to.ResizeCommitted(target, s.alloc.UsedSpace())
	if next >= cur {
		return false
	}
	s.from.ResizeCommitted(next, 0)
	s.alloc.SetEnd(s.to.CommittedEnd())
	if s.h.cfg.Verbose {
		logger.Printf("SEMISPACE:shrink semi-spaces to %s\n", next)
	}
	return true
}

func (s *SemiSpace) increase(delta memory.Size) bool {
	cur := s.to.CommittedSize()
	next := s.to.ResizeCommitted(cur+delta, 0)
	if next == cur {
		return false
	}
	s.from.ResizeCommitted(next, 0)
	s.alloc.SetEnd(s.to.CommittedEnd())
	s.armSafetyZone()
	return true
}

func (s *SemiSpace) walk(visit func(cell memory.Address, size memory.Size) bool) {
	s.h.model.Walk(s.alloc.Start(), s.alloc.Mark(), visit)
}

func (s *SemiSpace) verify(when string, _ map[memory.Address]struct{}) {
	if s.alloc.Mark() > s.alloc.End() {
		memory.Throw("verify", s.to.Name(), s.alloc.Mark(), "%s: mark past end %s", when, s.alloc.End())
	}
}

func (s *SemiSpace) spaces() []SpaceStats {
	return []SpaceStats{
		spaceStats("to", s.to, s.alloc.UsedSpace()),
		spaceStats("from", s.from, 0),
	}
}
