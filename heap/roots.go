package heap

import (
	"sync"

	"gengc/memory"
)

// RootVisitor is called with the location of each root. It may update the
// root in place.
type RootVisitor func(ref *memory.Address)

// RootProvider stands for roots kept outside the heap, such as code or boot
// image references. VisitRoots only runs while the world is stopped.
type RootProvider interface {
	VisitRoots(visit RootVisitor)
}

// RootProviderFunc adapts a function to RootProvider.
type RootProviderFunc func(visit RootVisitor)

func (f RootProviderFunc) VisitRoots(visit RootVisitor) { f(visit) }

// Global names a slot of the heap-wide root table.
type Global int

// Globals is a table of roots shared by all threads.
type Globals struct {
	mu    sync.Mutex
	slots []memory.Address
	free  []Global
}

// Add stores ref in a fresh slot.
func (g *Globals) Add(ref memory.Address) Global {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := len(g.free); n > 0 {
		id := g.free[n-1]
		g.free = g.free[:n-1]
		g.slots[id] = ref
		return id
	}
	g.slots = append(g.slots, ref)
	return Global(len(g.slots) - 1)
}

func (g *Globals) Get(id Global) memory.Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[id]
}

func (g *Globals) Set(id Global, ref memory.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots[id] = ref
}

// Remove clears the slot and makes it available for reuse.
func (g *Globals) Remove(id Global) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots[id] = 0
	g.free = append(g.free, id)
}

func (g *Globals) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots) - len(g.free)
}

func (g *Globals) visit(visit RootVisitor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.slots {
		if !g.slots[i].IsZero() {
			visit(&g.slots[i])
		}
	}
}

// AddRootProvider registers p; its roots are scanned by every collection.
func (h *Heap) AddRootProvider(p RootProvider) {
	h.providersMu.Lock()
	h.providers = append(h.providers, p)
	h.providersMu.Unlock()
}

// visitRoots presents every root: thread handles, globals, providers and
// the queue of cleared special references.
func (h *Heap) visitRoots(visit RootVisitor) {
	h.threadsMu.Lock()
	for t := range h.threads {
		t.visitHandles(visit)
	}
	h.threadsMu.Unlock()
	h.globals.visit(visit)
	h.providersMu.Lock()
	providers := append([]RootProvider(nil), h.providers...)
	h.providersMu.Unlock()
	for _, p := range providers {
		p.VisitRoots(visit)
	}
	h.refs.VisitRoots(visit)
}
