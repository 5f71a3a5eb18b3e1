package alloc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gengc/layout"
	"gengc/memory"
	"gengc/safepoint"
)

// ErrRefill is returned by Refillers that cannot supply any more space.
var ErrRefill = errors.New("alloc: refill failed")

// Refiller is called when an allocation does not fit below the allocator's
// top. It returns either a zero-filled cell allocated elsewhere, zero to make
// the caller retry (after the allocator was refilled or reset by a
// collection), or an error that ends the allocation.
type Refiller interface {
	AllocateRefill(p safepoint.Parker, a *BumpPointerAllocator, size memory.Size) (memory.Address, error)
}

// CellHook observes every cell an allocator hands out.
type CellHook func(cell memory.Address, size memory.Size)

// BumpPointerAllocator carves cells out of [start, top) by CAS on the mark.
// top may sit below the region end to hold back a reserve.
type BumpPointerAllocator struct {
	region   memory.LinearAllocationMemoryRegion
	top      atomic.Uintptr
	model    *layout.Model
	refiller Refiller
	hook     CellHook
}

func NewBumpPointerAllocator(name string, model *layout.Model, refiller Refiller) *BumpPointerAllocator {
	a := &BumpPointerAllocator{model: model, refiller: refiller}
	a.region.MemoryRegion = memory.NewMemoryRegion(name, 0, 0)
	return a
}

func (a *BumpPointerAllocator) Name() string { return a.region.Name() }

func (a *BumpPointerAllocator) SetRefiller(r Refiller) { a.refiller = r }

// SetHook installs a hook called on every allocated cell.
func (a *BumpPointerAllocator) SetHook(h CellHook) { a.hook = h }

// Reset makes [start, end) the allocation area with an empty mark. Only
// called with the world stopped.
func (a *BumpPointerAllocator) Reset(start, end memory.Address) {
	a.region.Reset(start, end.Diff(start))
	a.top.Store(uintptr(end))
}

// Refill retires the leftover of the current area as a dead cell and moves
// to [start, end).
func (a *BumpPointerAllocator) Refill(start, end memory.Address) {
	a.Retire()
	a.Reset(start, end)
}

// Retire pads [mark, end) so heap walkers can step over it and closes the area.
func (a *BumpPointerAllocator) Retire() {
	for {
		mark := a.region.Mark()
		end := a.region.End()
		if mark >= end {
			return
		}
		if a.region.CompareAndSwapMark(mark, end) {
			a.model.FormatDead(mark, end.Diff(mark))
			if a.hook != nil {
				a.hook(mark, end.Diff(mark))
			}
			return
		}
	}
}

// SetEnd moves the end of the area after pages were committed behind it or
// uncommitted from its free tail. A top sitting at the old end follows it.
func (a *BumpPointerAllocator) SetEnd(end memory.Address) {
	if end < a.region.Mark() {
		memory.Throw("set end", a.Name(), end, "below mark %s", a.region.Mark())
	}
	oldEnd := a.region.End()
	a.region.SetSize(end.Diff(a.region.Start()))
	if top := a.Top(); top == oldEnd || top > end {
		a.top.Store(uintptr(end))
	}
}

func (a *BumpPointerAllocator) Start() memory.Address { return a.region.Start() }
func (a *BumpPointerAllocator) End() memory.Address   { return a.region.End() }
func (a *BumpPointerAllocator) Mark() memory.Address  { return a.region.Mark() }
func (a *BumpPointerAllocator) Top() memory.Address   { return memory.Address(a.top.Load()) }

// SetTop moves the allocation limit, which must lie in [start, end]. Moving
// it below the mark only stops further allocation.
func (a *BumpPointerAllocator) SetTop(top memory.Address) {
	if top > a.region.End() || top < a.region.Start() {
		memory.Throw("set top", a.Name(), top, "outside %s", a.region.String())
	}
	a.top.Store(uintptr(top))
}

func (a *BumpPointerAllocator) UsedSpace() memory.Size {
	return a.region.Used()
}

func (a *BumpPointerAllocator) FreeSpace() memory.Size {
	mark, top := a.region.Mark(), a.Top()
	if mark >= top {
		return 0
	}
	return top.Diff(mark)
}

func (a *BumpPointerAllocator) Contains(addr memory.Address) bool {
	return addr >= a.region.Start() && addr < a.region.Mark()
}

func (a *BumpPointerAllocator) String() string {
	return fmt.Sprintf("%s mark=%s top=%s", a.region.String(), a.region.Mark(), a.Top())
}

// Allocate returns a zero-filled cell of size bytes.
func (a *BumpPointerAllocator) Allocate(p safepoint.Parker, size memory.Size) (memory.Address, error) {
	return a.allocate(p, size, true)
}

// AllocateUncleared skips zero filling. The caller overwrites the whole cell.
func (a *BumpPointerAllocator) AllocateUncleared(p safepoint.Parker, size memory.Size) (memory.Address, error) {
	return a.allocate(p, size, false)
}

// TryAllocate returns a zero-filled cell without calling the refiller.
func (a *BumpPointerAllocator) TryAllocate(size memory.Size) (memory.Address, bool) {
	for {
		cell := a.region.Mark()
		end := cell.Plus(size)
		if end > a.Top() || end < cell {
			return 0, false
		}
		if a.region.CompareAndSwapMark(cell, end) {
			a.model.VM().Clear(cell, size)
			if a.hook != nil {
				a.hook(cell, size)
			}
			return cell, true
		}
	}
}

func (a *BumpPointerAllocator) allocate(p safepoint.Parker, size memory.Size, zero bool) (memory.Address, error) {
	if size == 0 || !size.IsAligned(memory.WordSize) {
		memory.Throw("allocate", a.Name(), 0, "bad cell size %d", size)
	}
	for {
		cell := a.region.Mark()
		end := cell.Plus(size)
		if end > a.Top() || end < cell {
			if a.refiller == nil {
				return 0, fmt.Errorf("%s: %d bytes: %w", a.Name(), size, ErrRefill)
			}
			c, err := a.refiller.AllocateRefill(p, a, size)
			if err != nil {
				return 0, err
			}
			if !c.IsZero() {
				return c, nil
			}
			continue
		}
		if a.region.CompareAndSwapMark(cell, end) {
			if zero {
				a.model.VM().Clear(cell, size)
			}
			if a.hook != nil {
				a.hook(cell, size)
			}
			return cell, nil
		}
	}
}
