package memory

import (
	"fmt"
	"sync/atomic"
)

// MemoryRegion is a named address range.
type MemoryRegion struct {
	name  string
	start Address
	size  Size
}

func NewMemoryRegion(name string, start Address, size Size) MemoryRegion {
	return MemoryRegion{name: name, start: start, size: size}
}

func (r *MemoryRegion) Name() string   { return r.name }
func (r *MemoryRegion) Start() Address { return r.start }
func (r *MemoryRegion) Size() Size     { return r.size }
func (r *MemoryRegion) End() Address   { return r.start.Plus(r.size) }

func (r *MemoryRegion) SetStart(a Address) { r.start = a }
func (r *MemoryRegion) SetSize(s Size)     { r.size = s }

func (r *MemoryRegion) Contains(a Address) bool {
	return a >= r.start && a < r.End()
}

func (r *MemoryRegion) String() string {
	return fmt.Sprintf("%s[%s, %s)", r.name, r.start, r.End())
}

// LinearAllocationMemoryRegion is a region whose mark is bumped by CAS.
// Everything in [start, mark) has been handed out.
type LinearAllocationMemoryRegion struct {
	MemoryRegion
	mark atomic.Uintptr
}

func (r *LinearAllocationMemoryRegion) Reset(start Address, size Size) {
	r.start = start
	r.size = size
	r.mark.Store(uintptr(start))
}

func (r *LinearAllocationMemoryRegion) Mark() Address {
	return Address(r.mark.Load())
}

func (r *LinearAllocationMemoryRegion) SetMark(a Address) {
	r.mark.Store(uintptr(a))
}

func (r *LinearAllocationMemoryRegion) CompareAndSwapMark(old, next Address) bool {
	return r.mark.CompareAndSwap(uintptr(old), uintptr(next))
}

func (r *LinearAllocationMemoryRegion) Used() Size {
	return r.Mark().Diff(r.start)
}

func (r *LinearAllocationMemoryRegion) Free() Size {
	return r.End().Diff(r.Mark())
}

// ContiguousHeapSpace is a reserved range of which a prefix is committed:
//
//	start <= start+committed <= start+reserved
//
// Committed size only changes while the world is stopped.
type ContiguousHeapSpace struct {
	MemoryRegion
	vm       *VirtualMemory
	reserved Size
}

func NewContiguousHeapSpace(name string, vm *VirtualMemory) *ContiguousHeapSpace {
	return &ContiguousHeapSpace{MemoryRegion: MemoryRegion{name: name}, vm: vm}
}

// Reserve reserves a fresh range of the given size and commits the initial prefix.
func (s *ContiguousHeapSpace) Reserve(reserved, initial Size) error {
	start, err := s.vm.Reserve(reserved)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return s.Attach(start, reserved, initial)
}

// Attach takes an already reserved range.
func (s *ContiguousHeapSpace) Attach(start Address, reserved, initial Size) error {
	page := s.vm.PageSize()
	reserved = reserved.AlignUp(page)
	initial = initial.AlignUp(page)
	if initial > reserved {
		return fmt.Errorf("%s: initial size %s above reservation %s", s.name, initial, reserved)
	}
	s.start = start
	s.reserved = reserved
	s.size = 0
	if initial == 0 {
		return nil
	}
	if err := s.vm.Commit(start, initial); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	s.size = initial
	return nil
}

func (s *ContiguousHeapSpace) CommittedSize() Size { return s.size }
func (s *ContiguousHeapSpace) ReservedSize() Size  { return s.reserved }
func (s *ContiguousHeapSpace) CommittedEnd() Address {
	return s.End()
}
func (s *ContiguousHeapSpace) ReservedEnd() Address {
	return s.start.Plus(s.reserved)
}

// InReservation reports whether a lies in the reserved range, committed or not.
func (s *ContiguousHeapSpace) InReservation(a Address) bool {
	return a >= s.start && a < s.ReservedEnd()
}

// GrowCommitted commits delta more bytes, rounded up to pages. It reports
// false when that would pass the reservation.
func (s *ContiguousHeapSpace) GrowCommitted(delta Size) bool {
	delta = delta.AlignUp(s.vm.PageSize())
	if delta == 0 {
		return true
	}
	if s.size+delta > s.reserved {
		return false
	}
	if err := s.vm.Commit(s.End(), delta); err != nil {
		Throw("grow", s.name, s.End(), "commit failed: %v", err)
	}
	s.size += delta
	return true
}

// ShrinkCommitted uncommits delta bytes from the end, rounded down to pages.
// It refuses to go below inUse.
func (s *ContiguousHeapSpace) ShrinkCommitted(delta, inUse Size) bool {
	delta = delta.AlignDown(s.vm.PageSize())
	if delta == 0 {
		return true
	}
	if delta > s.size || s.size-delta < inUse {
		return false
	}
	newSize := s.size - delta
	if err := s.vm.Uncommit(s.start.Plus(newSize), delta); err != nil {
		Throw("shrink", s.name, s.start.Plus(newSize), "uncommit failed: %v", err)
	}
	s.size = newSize
	return true
}

// ResizeCommitted moves the committed size towards target, clamped to
// [inUse rounded up to a page, reserved].
func (s *ContiguousHeapSpace) ResizeCommitted(target, inUse Size) Size {
	page := s.vm.PageSize()
	target = target.AlignUp(page)
	floor := inUse.AlignUp(page)
	if target < floor {
		target = floor
	}
	if target > s.reserved {
		target = s.reserved
	}
	switch {
	case target > s.size:
		s.GrowCommitted(target - s.size)
	case target < s.size:
		s.ShrinkCommitted(s.size-target, inUse)
	}
	return s.size
}

func (s *ContiguousHeapSpace) VM() *VirtualMemory {
	return s.vm
}
