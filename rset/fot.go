package rset

import (
	"sync/atomic"

	"gengc/memory"
)

// FirstObjectTable records, for each card, how many words back from the card
// start the cell overlapping that start begins. Cards start mid-cell, so
// walking a dirty card has to begin there.
type FirstObjectTable struct {
	covered memory.Address
	entries []uint32
}

func NewFirstObjectTable(covered memory.Address, size memory.Size) *FirstObjectTable {
	n := int(size.AlignUp(CardSize) >> LogCardSize)
	return &FirstObjectTable{covered: covered, entries: make([]uint32, n)}
}

func (f *FirstObjectTable) index(a memory.Address) int {
	return int(a.Diff(f.covered) >> LogCardSize)
}

func (f *FirstObjectTable) cardStart(i int) memory.Address {
	return f.covered.Plus(memory.Size(i) << LogCardSize)
}

// Set records the cell [cell, cell+size) for every card whose start it covers.
// Cards starting inside distinct cells are distinct, so concurrent allocators
// never write the same entry.
func (f *FirstObjectTable) Set(cell memory.Address, size memory.Size) {
	end := cell.Plus(size)
	i := f.index(cell)
	if f.cardStart(i) < cell {
		i++
	}
	for ; i < len(f.entries); i++ {
		cs := f.cardStart(i)
		if cs >= end {
			return
		}
		atomic.StoreUint32(&f.entries[i], uint32(cs.Diff(cell)>>memory.LogWordSize))
	}
}

// CellStart returns the start of the cell overlapping the start of card i.
func (f *FirstObjectTable) CellStart(i int) memory.Address {
	back := memory.Size(atomic.LoadUint32(&f.entries[i])) << memory.LogWordSize
	return f.cardStart(i).Minus(back)
}

// Clear resets the entries of cards overlapping [start, end).
func (f *FirstObjectTable) Clear(start, end memory.Address) {
	if end <= start {
		return
	}
	last := f.index(end.Minus(1))
	for i := f.index(start); i <= last && i < len(f.entries); i++ {
		atomic.StoreUint32(&f.entries[i], 0)
	}
}
