package heap

import (
	"gengc/layout"
	"gengc/memory"
)

// verify checks that the heap is walkable, that no forwarded cell is left
// and that every root and reference slot holds zero or a live cell. It
// throws on the first violation.
func (h *Heap) verify(when string) {
	m := h.model
	name := h.scheme.name()
	cells := make(map[memory.Address]struct{})
	h.scheme.walk(func(cell memory.Address, _ memory.Size) bool {
		switch tag, _ := m.State(cell); tag {
		case layout.Live:
			cells[cell] = struct{}{}
		case layout.Dead:
		default:
			memory.Throw("verify", name, cell, "%s: %s cell", when, tag)
		}
		return true
	})
	for cell := range cells {
		m.VisitReferences(cell, func(slot memory.Address) {
			ref := h.vm.ReadAddress(slot)
			if _, ok := cells[ref]; !ref.IsZero() && !ok {
				memory.Throw("verify", name, slot, "%s: dangling reference %s in %s", when, ref, cell)
			}
		})
	}
	h.visitRoots(func(ref *memory.Address) {
		if _, ok := cells[*ref]; !ref.IsZero() && !ok {
			memory.Throw("verify", name, *ref, "%s: dangling root", when)
		}
	})
	h.scheme.verify(when, cells)
}
