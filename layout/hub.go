package layout

import (
	"fmt"
	"sync"
)

// HubID names a class descriptor. Zero is never a valid hub.
type HubID uint32

type Kind uint8

const (
	Tuple Kind = iota
	RefArray
	WordArray
	ByteArray
)

func (k Kind) String() string {
	switch k {
	case Tuple:
		return "tuple"
	case RefArray:
		return "ref[]"
	case WordArray:
		return "word[]"
	case ByteArray:
		return "byte[]"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// SpecialKind marks reference objects whose referent is not a strong edge.
type SpecialKind uint8

const (
	NotSpecial SpecialKind = iota
	Weak
	Soft
	Phantom
)

func (k SpecialKind) String() string {
	switch k {
	case Weak:
		return "weak"
	case Soft:
		return "soft"
	case Phantom:
		return "phantom"
	}
	return "strong"
}

// Field indices of a reference object.
const (
	ReferentField = 0
	NextField     = 1
)

// Hub describes the shape of the cells that carry its id.
type Hub struct {
	ID        HubID
	Name      string
	Kind      Kind
	Fields    int
	RefFields []int
	Special   SpecialKind
}

func (h *Hub) IsArray() bool {
	return h.Kind != Tuple
}

// Hubs is the off-heap class registry.
type Hubs struct {
	rw   sync.RWMutex
	hubs []*Hub
}

func NewHubs() *Hubs {
	return &Hubs{hubs: []*Hub{nil}}
}

func (r *Hubs) register(h Hub) *Hub {
	r.rw.Lock()
	defer r.rw.Unlock()
	h.ID = HubID(len(r.hubs))
	hub := &h
	r.hubs = append(r.hubs, hub)
	return hub
}

// DefineTuple registers a fixed-shape object with fields words. refs lists
// the indices of the fields holding references.
func (r *Hubs) DefineTuple(name string, fields int, refs ...int) *Hub {
	for _, i := range refs {
		if i < 0 || i >= fields {
			panic(fmt.Sprintf("layout: %s ref field %d out of range", name, i))
		}
	}
	return r.register(Hub{Name: name, Kind: Tuple, Fields: fields, RefFields: append([]int(nil), refs...)})
}

func (r *Hubs) DefineArray(name string, kind Kind) *Hub {
	if kind == Tuple {
		panic(fmt.Sprintf("layout: %s is not an array kind", name))
	}
	return r.register(Hub{Name: name, Kind: kind})
}

// DefineReference registers a reference class: field 0 is the referent,
// field 1 links the object into the pending queue.
func (r *Hubs) DefineReference(name string, kind SpecialKind) *Hub {
	return r.register(Hub{
		Name:      name,
		Kind:      Tuple,
		Fields:    2,
		RefFields: []int{ReferentField, NextField},
		Special:   kind,
	})
}

func (r *Hubs) Lookup(id HubID) (*Hub, bool) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	if id == 0 || int(id) >= len(r.hubs) {
		return nil, false
	}
	return r.hubs[id], true
}

func (r *Hubs) Len() int {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return len(r.hubs) - 1
}
