package layout

import (
	"gengc/memory"
)

// Model reads and formats cells in a VirtualMemory.
type Model struct {
	vm   *memory.VirtualMemory
	hubs *Hubs
}

func NewModel(vm *memory.VirtualMemory, hubs *Hubs) *Model {
	return &Model{vm: vm, hubs: hubs}
}

func (m *Model) VM() *memory.VirtualMemory { return m.vm }
func (m *Model) Hubs() *Hubs               { return m.hubs }

func TupleSize(h *Hub) memory.Size {
	return HeaderSize + memory.Words(h.Fields)
}

func ArraySize(h *Hub, length int) memory.Size {
	if h.Kind == ByteArray {
		return HeaderSize + memory.Size(length).AlignUp(memory.WordSize)
	}
	return HeaderSize + memory.Words(length)
}

func (m *Model) State(cell memory.Address) (Tag, uint64) {
	return DecodeHeader(m.vm.ReadWord(cell))
}

// ForwardingAddress returns the copy of cell, or zero when cell has not been
// forwarded.
func (m *Model) ForwardingAddress(cell memory.Address) memory.Address {
	tag, payload := m.State(cell)
	if tag != Forwarded {
		return 0
	}
	return memory.Address(payload)
}

// WriteForward installs a forwarding header. The target must be word aligned.
func (m *Model) WriteForward(cell, target memory.Address) {
	if !target.IsAligned(memory.WordSize) || target.IsZero() {
		memory.Throw("forward", "", cell, "bad forwarding target %s", target)
	}
	m.vm.WriteWord(cell, forwardHeader(target))
}

func (m *Model) Hub(cell memory.Address) *Hub {
	tag, payload := m.State(cell)
	if tag != Live {
		memory.Throw("hub", "", cell, "cell is %s", tag)
	}
	h, ok := m.hubs.Lookup(HubID(payload))
	if !ok {
		memory.Throw("hub", "", cell, "unknown hub %d", payload)
	}
	return h
}

func (m *Model) Length(cell memory.Address) int {
	return int(m.vm.ReadWord(cell.Plus(LengthOffset)))
}

// CellSize returns the size of a live or dead cell. The size of a forwarded
// cell is read through its copy.
func (m *Model) CellSize(cell memory.Address) memory.Size {
	tag, payload := m.State(cell)
	switch tag {
	case Dead:
		return memory.Size(payload)
	case Forwarded:
		return m.CellSize(memory.Address(payload))
	case Live:
		h := m.Hub(cell)
		if h.IsArray() {
			return ArraySize(h, m.Length(cell))
		}
		return TupleSize(h)
	}
	memory.Throw("size", "", cell, "unformatted cell")
	return 0
}

// InitTuple installs the header of a zeroed cell.
func (m *Model) InitTuple(cell memory.Address, h *Hub) {
	m.vm.WriteWord(cell, LiveHeader(h.ID))
}

func (m *Model) InitArray(cell memory.Address, h *Hub, length int) {
	m.vm.WriteWord(cell.Plus(LengthOffset), uint64(length))
	m.vm.WriteWord(cell, LiveHeader(h.ID))
}

// FormatDead turns [start, start+size) into a dead cell. A one-word gap is
// allowed since the size lives in the header.
func (m *Model) FormatDead(start memory.Address, size memory.Size) {
	if size == 0 {
		return
	}
	if size < memory.WordSize || !size.IsAligned(memory.WordSize) {
		memory.Throw("pad", "", start, "cannot pad %d bytes", size)
	}
	m.vm.WriteWord(start, deadHeader(size))
}

func (m *Model) SlotAddress(cell memory.Address, index int) memory.Address {
	return cell.Plus(HeaderSize + memory.Words(index))
}

func (m *Model) ReadRef(cell memory.Address, index int) memory.Address {
	return m.vm.ReadAddress(m.SlotAddress(cell, index))
}

func (m *Model) WriteRef(cell memory.Address, index int, v memory.Address) {
	m.vm.WriteAddress(m.SlotAddress(cell, index), v)
}

// VisitReferences calls visit with the address of every reference slot of a
// live cell.
func (m *Model) VisitReferences(cell memory.Address, visit func(slot memory.Address)) {
	h := m.Hub(cell)
	switch h.Kind {
	case Tuple:
		for _, i := range h.RefFields {
			visit(m.SlotAddress(cell, i))
		}
	case RefArray:
		n := m.Length(cell)
		for i := 0; i < n; i++ {
			visit(m.SlotAddress(cell, i))
		}
	}
}

// VisitReferencesIn is VisitReferences limited to slots in [lo, hi).
func (m *Model) VisitReferencesIn(cell, lo, hi memory.Address, visit func(slot memory.Address)) {
	h := m.Hub(cell)
	switch h.Kind {
	case Tuple:
		for _, i := range h.RefFields {
			if s := m.SlotAddress(cell, i); s >= lo && s < hi {
				visit(s)
			}
		}
	case RefArray:
		first := m.SlotAddress(cell, 0)
		end := m.SlotAddress(cell, m.Length(cell))
		if lo > first {
			first = lo.AlignUp(memory.WordSize)
		}
		if hi < end {
			end = hi
		}
		for s := first; s < end; s = s.Plus(memory.WordSize) {
			visit(s)
		}
	}
}

// Walk visits every cell in [start, end). Visiting stops when visit returns false.
func (m *Model) Walk(start, end memory.Address, visit func(cell memory.Address, size memory.Size) bool) {
	for cell := start; cell < end; {
		size := m.CellSize(cell)
		if size == 0 {
			memory.Throw("walk", "", cell, "zero sized cell")
		}
		if !visit(cell, size) {
			return
		}
		cell = cell.Plus(size)
	}
}
