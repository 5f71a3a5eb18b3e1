package memory

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultBase keeps the simulated space clear of the null page.
const DefaultBase Address = 0x10000000

// VirtualMemory simulates a process address space backed by one byte arena.
// Ranges are reserved in page units and must be committed before use; any
// access to an uncommitted page is fatal.
type VirtualMemory struct {
	base      Address
	pageSize  Size
	arena     []byte
	committed []atomic.Bool

	mu   sync.Mutex
	next Address
}

func NewVirtualMemory(capacity Size, pageSize Size) *VirtualMemory {
	if pageSize == 0 {
		pageSize = DefaultPage
	}
	if pageSize&(pageSize-1) != 0 || pageSize < WordSize {
		panic(fmt.Sprintf("memory: page size %d is not a power of two", pageSize))
	}
	capacity = capacity.AlignUp(pageSize)
	return &VirtualMemory{
		base:      DefaultBase,
		pageSize:  pageSize,
		arena:     make([]byte, capacity),
		committed: make([]atomic.Bool, capacity/pageSize),
		next:      DefaultBase,
	}
}

func (vm *VirtualMemory) PageSize() Size {
	return vm.pageSize
}

func (vm *VirtualMemory) Base() Address {
	return vm.base
}

func (vm *VirtualMemory) Limit() Address {
	return vm.base.Plus(Size(len(vm.arena)))
}

// Reserve hands out a fresh page-aligned address range. Reserved pages are
// not accessible until committed.
func (vm *VirtualMemory) Reserve(size Size) (Address, error) {
	size = size.AlignUp(vm.pageSize)
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.next.Plus(size) > vm.Limit() {
		return 0, fmt.Errorf("reserve %s: %w", size, ErrReservationExhausted)
	}
	start := vm.next
	vm.next = vm.next.Plus(size)
	return start, nil
}

func (vm *VirtualMemory) checkRange(start Address, size Size) error {
	if !start.IsAligned(vm.pageSize) || !size.IsAligned(vm.pageSize) {
		return fmt.Errorf("[%s, +%s): %w", start, size, ErrNotPageAligned)
	}
	if start < vm.base || start.Plus(size) > vm.next {
		return fmt.Errorf("[%s, +%s): %w", start, size, ErrOutsideReservation)
	}
	return nil
}

func (vm *VirtualMemory) Commit(start Address, size Size) error {
	if err := vm.checkRange(start, size); err != nil {
		return err
	}
	first := int(start.Diff(vm.base) / vm.pageSize)
	for i := 0; i < int(size/vm.pageSize); i++ {
		vm.committed[first+i].Store(true)
	}
	return nil
}

// Uncommit releases pages. Their contents are lost: a later commit sees zeros.
func (vm *VirtualMemory) Uncommit(start Address, size Size) error {
	if err := vm.checkRange(start, size); err != nil {
		return err
	}
	off := start.Diff(vm.base)
	zero(vm.arena[off : off+size])
	first := int(off / vm.pageSize)
	for i := 0; i < int(size/vm.pageSize); i++ {
		vm.committed[first+i].Store(false)
	}
	return nil
}

// Allocate reserves and commits in one step.
func (vm *VirtualMemory) Allocate(size Size) (Address, error) {
	start, err := vm.Reserve(size)
	if err != nil {
		return 0, err
	}
	return start, vm.Commit(start, size.AlignUp(vm.pageSize))
}

func (vm *VirtualMemory) Deallocate(start Address, size Size) error {
	return vm.Uncommit(start, size.AlignUp(vm.pageSize))
}

func (vm *VirtualMemory) IsCommitted(a Address) bool {
	if a < vm.base || a >= vm.Limit() {
		return false
	}
	return vm.committed[int(a.Diff(vm.base)/vm.pageSize)].Load()
}

// slice returns the arena bytes of [a, a+n) after checking every page is committed.
func (vm *VirtualMemory) slice(op string, a Address, n Size) []byte {
	if a < vm.base || a.Plus(n) > vm.Limit() || a.Plus(n) < a {
		Throw(op, "", a, "access of %d bytes outside the address space", n)
	}
	if n == 0 {
		return nil
	}
	firstPage := a.Diff(vm.base) / vm.pageSize
	lastPage := a.Plus(n-1).Diff(vm.base) / vm.pageSize
	for p := firstPage; p <= lastPage; p++ {
		if !vm.committed[p].Load() {
			Throw(op, "", vm.base.Plus(p*vm.pageSize), "access to uncommitted page")
		}
	}
	off := a.Diff(vm.base)
	return vm.arena[off : off+n]
}

func (vm *VirtualMemory) ReadWord(a Address) uint64 {
	return binary.LittleEndian.Uint64(vm.slice("read", a, WordSize))
}

func (vm *VirtualMemory) WriteWord(a Address, v uint64) {
	binary.LittleEndian.PutUint64(vm.slice("write", a, WordSize), v)
}

func (vm *VirtualMemory) ReadAddress(a Address) Address {
	return Address(vm.ReadWord(a))
}

func (vm *VirtualMemory) WriteAddress(a Address, v Address) {
	vm.WriteWord(a, uint64(v))
}

func (vm *VirtualMemory) LoadByte(a Address) byte {
	return vm.slice("read", a, 1)[0]
}

func (vm *VirtualMemory) StoreByte(a Address, b byte) {
	vm.slice("write", a, 1)[0] = b
}

// Bytes is a view of [a, a+n). It is only valid until the next safepoint.
func (vm *VirtualMemory) Bytes(a Address, n Size) []byte {
	return vm.slice("bytes", a, n)
}

func (vm *VirtualMemory) Copy(dst, src Address, n Size) {
	copy(vm.slice("copy", dst, n), vm.slice("copy", src, n))
}

func (vm *VirtualMemory) Clear(a Address, n Size) {
	zero(vm.slice("clear", a, n))
}

// Fill writes pattern into every word of [a, a+n).
func (vm *VirtualMemory) Fill(a Address, n Size, pattern uint64) {
	b := vm.slice("fill", a, n)
	for i := 0; i+8 <= len(b); i += 8 {
		binary.LittleEndian.PutUint64(b[i:], pattern)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
