package specialref

import (
	"sync"

	"gengc/layout"
	"gengc/memory"
)

// GC is the view of a running collection the manager needs.
type GC interface {
	IsReachable(ref memory.Address) bool
	Preserve(ref memory.Address) memory.Address
	// Forwarded maps a reachable reference to its location after the collection.
	Forwarded(ref memory.Address) memory.Address
	MayRelocateLiveObjects() bool
}

type Stats struct {
	Discovered uint64
	Cleared    uint64
	Preserved  uint64
	Enqueued   uint64
}

// Manager handles reference objects discovered while evacuating. Cleared
// references are queued until a mutator polls them. A queued reference is
// linked to itself through its next field and is never queued again.
type Manager struct {
	model      *layout.Model
	discovered []memory.Address
	softNext   int
	next       int

	mu      sync.Mutex
	pending []memory.Address
	stats   Stats
}

func NewManager(model *layout.Model) *Manager {
	return &Manager{model: model}
}

// Discover records a reference object copied during the current collection.
func (m *Manager) Discover(ref memory.Address) {
	m.discovered = append(m.discovered, ref)
}

func (m *Manager) Discovered() int {
	return len(m.discovered)
}

// PreserveSoft keeps alive the referents of soft references discovered since
// the previous call and returns how many it kept. The caller runs the closure
// and calls again until nothing new is kept, since the closure may discover
// further soft references.
func (m *Manager) PreserveSoft(gc GC, clearSoft bool) int {
	if clearSoft {
		m.softNext = len(m.discovered)
		return 0
	}
	n := 0
	for ; m.softNext < len(m.discovered); m.softNext++ {
		ref := m.discovered[m.softNext]
		if m.model.Hub(ref).Special != layout.Soft {
			continue
		}
		referent := m.model.ReadRef(ref, layout.ReferentField)
		if referent.IsZero() || gc.IsReachable(referent) {
			continue
		}
		m.model.WriteRef(ref, layout.ReferentField, gc.Preserve(referent))
		n++
	}
	m.mu.Lock()
	m.stats.Preserved += uint64(n)
	m.mu.Unlock()
	return n
}

// Process handles the references discovered since the previous call. Soft
// and weak referents that did not survive are cleared. Phantom referents are
// preserved and stay alive while the reference does. Either way the
// reference is queued once. Process returns the number of phantom referents
// it preserved; the caller runs the closure again when it is not zero.
func (m *Manager) Process(gc GC) int {
	var queued []memory.Address
	cleared, kept := 0, 0
	for ; m.next < len(m.discovered); m.next++ {
		ref := m.discovered[m.next]
		referent := m.model.ReadRef(ref, layout.ReferentField)
		if referent.IsZero() {
			continue
		}
		if gc.IsReachable(referent) {
			if gc.MayRelocateLiveObjects() {
				m.model.WriteRef(ref, layout.ReferentField, gc.Forwarded(referent))
			}
			continue
		}
		if m.model.Hub(ref).Special == layout.Phantom {
			m.model.WriteRef(ref, layout.ReferentField, gc.Preserve(referent))
			kept++
		} else {
			m.model.WriteRef(ref, layout.ReferentField, 0)
			cleared++
		}
		if m.model.ReadRef(ref, layout.NextField).IsZero() {
			m.model.WriteRef(ref, layout.NextField, ref)
			queued = append(queued, ref)
		}
	}
	m.mu.Lock()
	m.stats.Cleared += uint64(cleared)
	m.stats.Enqueued += uint64(len(queued))
	m.pending = append(m.pending, queued...)
	m.mu.Unlock()
	return kept
}

// Done ends reference processing for the current collection and empties the
// discovered list.
func (m *Manager) Done() {
	m.mu.Lock()
	m.stats.Discovered += uint64(len(m.discovered))
	m.mu.Unlock()
	m.discovered = m.discovered[:0]
	m.softNext, m.next = 0, 0
}

// VisitRoots presents the pending queue as roots.
func (m *Manager) VisitRoots(visit func(ref *memory.Address)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pending {
		visit(&m.pending[i])
	}
}

// Poll removes the oldest cleared reference from the queue.
func (m *Manager) Poll() (memory.Address, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, false
	}
	ref := m.pending[0]
	m.pending[0] = 0
	m.pending = m.pending[1:]
	return ref, true
}

func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
