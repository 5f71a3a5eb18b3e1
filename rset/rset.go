package rset

import (
	"gengc/layout"
	"gengc/memory"
)

// CardTableRSet is the old-to-young remembered set: the post-write barrier
// dirties the card of every stored slot, and a minor collection treats the
// reference slots under dirty cards as roots.
type CardTableRSet struct {
	table *CardTable
	fot   *FirstObjectTable
	model *layout.Model
}

// New covers [covered, covered+size), which must be card aligned.
func New(model *layout.Model, covered memory.Address, size memory.Size) *CardTableRSet {
	return &CardTableRSet{
		table: NewCardTable(covered, size),
		fot:   NewFirstObjectTable(covered, size),
		model: model,
	}
}

func (r *CardTableRSet) Table() *CardTable      { return r.table }
func (r *CardTableRSet) FOT() *FirstObjectTable { return r.fot }

// Record notes a reference store into the slot at holder+offset. Duplicate
// records are harmless.
func (r *CardTableRSet) Record(holder memory.Address, offset memory.Size) {
	r.table.Dirty(holder.Plus(offset))
}

// RecordElement notes a store into element index of a reference array.
func (r *CardTableRSet) RecordElement(array memory.Address, index int) {
	r.table.Dirty(array.Plus(layout.HeaderSize + memory.Words(index)))
}

// UpdateFOT is called for every cell installed in the covered area.
func (r *CardTableRSet) UpdateFOT(cell memory.Address, size memory.Size) {
	r.fot.Set(cell, size)
}

// UpdateForDeadSpace keeps the table walkable over a dead cell.
func (r *CardTableRSet) UpdateForDeadSpace(start memory.Address, size memory.Size) {
	r.fot.Set(start, size)
}

// ClearRange cleans the cards and first-object entries of an evacuated range.
func (r *CardTableRSet) ClearRange(start, end memory.Address) {
	r.table.SetRange(start, end, Clean)
	r.fot.Clear(start, end)
}

// DirtyRange marks all cards of [start, end).
func (r *CardTableRSet) DirtyRange(start, end memory.Address) {
	r.table.SetRange(start, end, Dirty)
}

func (r *CardTableRSet) CountCards(start, end memory.Address, s CardState) int {
	return r.table.Count(start, end, s)
}

// CheckNoCard returns the start of the first card of [start, end) in state
// s, or false when there is none.
func (r *CardTableRSet) CheckNoCard(start, end memory.Address, s CardState) (memory.Address, bool) {
	first, last := r.table.cardRange(start, end)
	for i := first; i < last; i++ {
		if r.table.State(i) == s {
			return r.table.CardStart(i), true
		}
	}
	return 0, false
}

// CleanAndVisitCards cleans every dirty card overlapping [start, end) and
// calls visit on each reference slot lying under those cards. [start, end)
// must be densely packed with formatted cells.
func (r *CardTableRSet) CleanAndVisitCards(start, end memory.Address, visit func(slot memory.Address)) int {
	first, last := r.table.cardRange(start, end)
	visited := 0
	for i := r.table.nextDirty(first, last); i < last; {
		j := r.table.nextClean(i+1, last)
		for k := i; k < j; k++ {
			r.table.set(k, Clean)
		}
		visited += j - i
		runStart := r.table.CardStart(i)
		if runStart < start {
			runStart = start
		}
		runEnd := r.table.CardStart(j)
		if runEnd > end {
			runEnd = end
		}
		r.visitRun(runStart, runEnd, i, visit)
		i = r.table.nextDirty(j, last)
	}
	return visited
}

func (r *CardTableRSet) visitRun(runStart, runEnd memory.Address, card int, visit func(slot memory.Address)) {
	cell := runStart
	if r.table.CardStart(card) >= runStart {
		cell = r.fot.CellStart(card)
	}
	for cell < runEnd {
		tag, _ := r.model.State(cell)
		size := r.model.CellSize(cell)
		if tag == layout.Live {
			r.model.VisitReferencesIn(cell, runStart, runEnd, visit)
		}
		cell = cell.Plus(size)
	}
}
