package rset

import (
	"fmt"
	"sync/atomic"

	"gengc/memory"
)

const (
	LogCardSize             = 9
	CardSize    memory.Size = 1 << LogCardSize
)

type CardState uint32

const (
	Clean CardState = iota
	Dirty
)

func (s CardState) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

// CardTable keeps one entry per CardSize bytes of [covered, covered+size).
// Mutators only ever set entries to Dirty; the collector cleans them while
// the world is stopped.
type CardTable struct {
	covered memory.Address
	cards   []uint32
}

func NewCardTable(covered memory.Address, size memory.Size) *CardTable {
	if !covered.IsAligned(CardSize) {
		panic(fmt.Sprintf("rset: covered area %s not card aligned", covered))
	}
	n := int(size.AlignUp(CardSize) >> LogCardSize)
	return &CardTable{covered: covered, cards: make([]uint32, n)}
}

func (t *CardTable) Covers(a memory.Address) bool {
	return a >= t.covered && int(a.Diff(t.covered)>>LogCardSize) < len(t.cards)
}

func (t *CardTable) Index(a memory.Address) int {
	if !t.Covers(a) {
		memory.Throw("card index", "", a, "address not covered by the card table")
	}
	return int(a.Diff(t.covered) >> LogCardSize)
}

func (t *CardTable) CardStart(i int) memory.Address {
	return t.covered.Plus(memory.Size(i) << LogCardSize)
}

func (t *CardTable) Len() int {
	return len(t.cards)
}

func (t *CardTable) Dirty(a memory.Address) {
	atomic.StoreUint32(&t.cards[t.Index(a)], uint32(Dirty))
}

func (t *CardTable) State(i int) CardState {
	return CardState(atomic.LoadUint32(&t.cards[i]))
}

func (t *CardTable) IsDirty(a memory.Address) bool {
	return t.State(t.Index(a)) == Dirty
}

func (t *CardTable) set(i int, s CardState) {
	atomic.StoreUint32(&t.cards[i], uint32(s))
}

// cardRange maps [start, end) to the card indices [first, last) overlapping it.
func (t *CardTable) cardRange(start, end memory.Address) (int, int) {
	if end <= start {
		return 0, 0
	}
	first := t.Index(start)
	last := t.Index(end.Minus(1)) + 1
	return first, last
}

// SetRange sets every card overlapping [start, end).
func (t *CardTable) SetRange(start, end memory.Address, s CardState) {
	first, last := t.cardRange(start, end)
	for i := first; i < last; i++ {
		t.set(i, s)
	}
}

// Count returns how many cards overlapping [start, end) are in state s.
func (t *CardTable) Count(start, end memory.Address, s CardState) int {
	first, last := t.cardRange(start, end)
	n := 0
	for i := first; i < last; i++ {
		if t.State(i) == s {
			n++
		}
	}
	return n
}

// nextDirty returns the first dirty card index in [from, to), or to.
func (t *CardTable) nextDirty(from, to int) int {
	for i := from; i < to; i++ {
		if t.State(i) == Dirty {
			return i
		}
	}
	return to
}

func (t *CardTable) nextClean(from, to int) int {
	for i := from; i < to; i++ {
		if t.State(i) != Dirty {
			return i
		}
	}
	return to
}
