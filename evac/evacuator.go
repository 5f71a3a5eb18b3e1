package evac

import (
	"errors"

	"gengc/alloc"
	"gengc/layout"
	"gengc/memory"
)

// Evacuator copies the reachable cells of one or more from ranges into a
// target allocator. A copied cell's from header is replaced by a forwarding
// header, so every later lookup yields the same copy. The copies are scanned
// in allocation order by a cursor that chases the target mark, which closes
// the graph breadth first without a work list.
type Evacuator struct {
	model    *layout.Model
	vm       *memory.VirtualMemory
	from     []memory.MemoryRegion
	to       *alloc.BumpPointerAllocator
	scan     memory.Address
	discover func(ref memory.Address)

	evacuated  memory.Size
	copied     int
	discovered int
	active     bool
}

func New(model *layout.Model) *Evacuator {
	return &Evacuator{model: model, vm: model.VM()}
}

// OnSpecialReference registers the callback receiving each copied reference
// object. Its referent slot is left untouched by the closure.
func (e *Evacuator) OnSpecialReference(discover func(ref memory.Address)) {
	e.discover = discover
}

// Begin starts an evacuation into to. The cursor starts at the current mark
// of to: cells already below it are not scanned.
func (e *Evacuator) Begin(to *alloc.BumpPointerAllocator, from ...memory.MemoryRegion) {
	e.from = append(e.from[:0], from...)
	e.to = to
	e.scan = to.Mark()
	e.evacuated = 0
	e.copied = 0
	e.discovered = 0
	e.active = true
}

// End finishes the evacuation. The closure must be complete.
func (e *Evacuator) End() {
	if e.scan != e.to.Mark() {
		memory.Throw("evacuate", e.to.Name(), e.scan, "closure incomplete, mark at %s", e.to.Mark())
	}
	e.active = false
}

func (e *Evacuator) EvacuatedBytes() memory.Size { return e.evacuated }
func (e *Evacuator) Copied() int                 { return e.copied }
func (e *Evacuator) Discovered() int             { return e.discovered }
func (e *Evacuator) Active() bool                { return e.active }

// InFrom reports whether a lies in one of the evacuated ranges.
func (e *Evacuator) InFrom(a memory.Address) bool {
	for i := range e.from {
		if e.from[i].Contains(a) {
			return true
		}
	}
	return false
}

// MapRef returns the location ref has after the collection, copying the
// cell on first sight.
func (e *Evacuator) MapRef(ref memory.Address) memory.Address {
	if ref.IsZero() || !e.InFrom(ref) {
		return ref
	}
	tag, payload := e.model.State(ref)
	switch tag {
	case layout.Forwarded:
		return memory.Address(payload)
	case layout.Live:
	default:
		memory.Throw("map ref", e.to.Name(), ref, "reference to a %s cell", tag)
	}
	size := e.model.CellSize(ref)
	cell, err := e.to.AllocateUncleared(nil, size)
	if err != nil {
		var fe *memory.FatalError
		if errors.As(err, &fe) {
			panic(fe)
		}
		memory.Throw("evacuate", e.to.Name(), ref, "no room for %d bytes in target: %v", size, err)
	}
	e.vm.Copy(cell, ref, size)
	e.model.WriteForward(ref, cell)
	e.evacuated += size
	e.copied++
	return cell
}

// VisitSlot maps the reference stored at slot in place.
func (e *Evacuator) VisitSlot(slot memory.Address) {
	ref := e.vm.ReadAddress(slot)
	if ref.IsZero() {
		return
	}
	if to := e.MapRef(ref); to != ref {
		e.vm.WriteAddress(slot, to)
	}
}

// VisitRoot maps an off-heap root in place.
func (e *Evacuator) VisitRoot(ref *memory.Address) {
	*ref = e.MapRef(*ref)
}

// VisitCell maps the references of a live cell and returns its size.
func (e *Evacuator) VisitCell(cell memory.Address) memory.Size {
	tag, _ := e.model.State(cell)
	size := e.model.CellSize(cell)
	if tag != layout.Live {
		return size
	}
	h := e.model.Hub(cell)
	if h.Special != layout.NotSpecial && e.discover != nil {
		e.VisitSlot(e.model.SlotAddress(cell, layout.NextField))
		e.discover(cell)
		e.discovered++
		return size
	}
	e.model.VisitReferences(cell, e.VisitSlot)
	return size
}

// Closure scans copies until the cursor catches up with the target mark.
func (e *Evacuator) Closure() {
	for e.scan < e.to.Mark() {
		e.scan = e.scan.Plus(e.VisitCell(e.scan))
	}
}

// VisitRange scans every cell of [start, end), for instance a region that is
// kept in place but may hold references into the from ranges.
func (e *Evacuator) VisitRange(start, end memory.Address) {
	for cell := start; cell < end; {
		cell = cell.Plus(e.VisitCell(cell))
	}
}

// IsReachable reports whether ref survives this evacuation: it lies outside
// the from ranges or has already been copied.
func (e *Evacuator) IsReachable(ref memory.Address) bool {
	if ref.IsZero() || !e.InFrom(ref) {
		return true
	}
	tag, _ := e.model.State(ref)
	return tag == layout.Forwarded
}

// Preserve keeps ref alive and returns its new location. Its referents are
// copied by the next Closure.
func (e *Evacuator) Preserve(ref memory.Address) memory.Address {
	return e.MapRef(ref)
}

// MayRelocateLiveObjects is always true: every survivor of a from range moves.
func (e *Evacuator) MayRelocateLiveObjects() bool { return true }

// Forwarded reads the forwarding of a from cell without copying it.
func (e *Evacuator) Forwarded(ref memory.Address) memory.Address {
	if !e.InFrom(ref) {
		return ref
	}
	return e.model.ForwardingAddress(ref)
}
