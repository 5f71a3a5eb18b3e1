package tlab

import (
	"fmt"

	"gengc/layout"
	"gengc/memory"
)

// State tracks how far a thread has gone through TLAB setup.
type State uint8

const (
	NoPolicy State = iota
	FirstTLABAllocated
	SteadyState
)

func (s State) String() string {
	switch s {
	case NoPolicy:
		return "no-policy"
	case FirstTLABAllocated:
		return "first-tlab"
	case SteadyState:
		return "steady"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// RefillPolicy decides what to do when a thread's TLAB cannot hold a request.
type RefillPolicy interface {
	// Size is the size of the next TLAB, zero for a policy that never refills.
	Size() memory.Size
	// ShouldRefill reports whether the TLAB should be dropped and refilled
	// instead of sending the request to the shared allocator.
	ShouldRefill(request, left memory.Size) bool
}

// NeverRefill sends every allocation to the shared allocator.
type NeverRefill struct{}

func (NeverRefill) Size() memory.Size                  { return 0 }
func (NeverRefill) ShouldRefill(_, _ memory.Size) bool { return false }

// refill when less than 1/leftoverRatio of the TLAB is left
const leftoverRatio = 10

// SimpleRefillPolicy refills fixed-size TLABs once the space left is below a
// tenth of the TLAB size.
type SimpleRefillPolicy struct {
	size memory.Size
}

func NewSimpleRefillPolicy(size memory.Size) *SimpleRefillPolicy {
	return &SimpleRefillPolicy{size: size.AlignUp(memory.WordSize)}
}

func (p *SimpleRefillPolicy) Size() memory.Size { return p.size }

func (p *SimpleRefillPolicy) ShouldRefill(_, left memory.Size) bool {
	return left < p.size/leftoverRatio
}

// Action is the outcome of a TLAB overflow.
type Action uint8

const (
	// AllocateFirst installs the first TLAB.
	AllocateFirst Action = iota
	// Refill drops the current TLAB and takes a new one.
	Refill
	// Direct bypasses the TLAB.
	Direct
)

func (a Action) String() string {
	switch a {
	case AllocateFirst:
		return "first"
	case Refill:
		return "refill"
	}
	return "direct"
}

type Stats struct {
	Refills      uint64
	Overflows    uint64
	Direct       uint64
	LeftoverSize memory.Size
}

// TLAB is a thread-private allocation buffer [mark, end). Its memory was zero
// filled when it was handed out.
type TLAB struct {
	start  memory.Address
	mark   memory.Address
	end    memory.Address
	policy RefillPolicy
	state  State
	stats  Stats
}

func (t *TLAB) State() State         { return t.state }
func (t *TLAB) Policy() RefillPolicy { return t.policy }
func (t *TLAB) Stats() Stats         { return t.stats }
func (t *TLAB) Start() memory.Address {
	return t.start
}
func (t *TLAB) Mark() memory.Address { return t.mark }
func (t *TLAB) End() memory.Address  { return t.end }

func (t *TLAB) Free() memory.Size {
	return t.end.Diff(t.mark)
}

// Contains reports whether a lies in the allocated part of the TLAB.
func (t *TLAB) Contains(a memory.Address) bool {
	return a >= t.start && a < t.mark
}

// Allocate bumps the private mark. ok is false when size does not fit.
func (t *TLAB) Allocate(size memory.Size) (memory.Address, bool) {
	cell := t.mark
	if cell.IsZero() || size > t.end.Diff(cell) {
		return 0, false
	}
	t.mark = cell.Plus(size)
	return cell, true
}

// Overflow picks the slow path for a request that did not fit, and moves the
// state machine on.
func (t *TLAB) Overflow(size memory.Size) Action {
	t.stats.Overflows++
	if t.state == NoPolicy {
		return AllocateFirst
	}
	if size > t.policy.Size() {
		t.stats.Direct++
		return Direct
	}
	if !t.policy.ShouldRefill(size, t.Free()) {
		t.stats.Direct++
		return Direct
	}
	return Refill
}

// Install sets the refill policy on the first overflow.
func (t *TLAB) Install(p RefillPolicy) {
	if t.state != NoPolicy {
		panic(fmt.Sprintf("tlab: policy installed twice (%s)", t.state))
	}
	t.policy = p
	t.state = FirstTLABAllocated
}

// Reset starts a fresh TLAB over [start, end).
func (t *TLAB) Reset(start, end memory.Address) {
	if t.state == NoPolicy {
		panic("tlab: reset before a policy was installed")
	}
	if t.stats.Refills > 0 {
		t.state = SteadyState
	}
	t.start, t.mark, t.end = start, start, end
	t.stats.Refills++
}

// Pad formats the unused tail as a dead cell and empties the TLAB, so heap
// walkers never read stale bytes.
func (t *TLAB) Pad(m *layout.Model) {
	if t.mark.IsZero() {
		return
	}
	if left := t.end.Diff(t.mark); left > 0 {
		m.FormatDead(t.mark, left)
		t.stats.LeftoverSize += left
	}
	t.start, t.mark, t.end = 0, 0, 0
}
