package heap

import (
	"time"

	"gengc/memory"
	"gengc/safepoint"
	"gengc/specialref"
	"gengc/tlab"
)

// SpaceStats describes one contiguous space of a scheme.
type SpaceStats struct {
	Name      string         `json:"name"`
	Start     memory.Address `json:"start"`
	Committed memory.Size    `json:"committed"`
	Reserved  memory.Size    `json:"reserved"`
	Used      memory.Size    `json:"used"`
}

func spaceStats(name string, s *memory.ContiguousHeapSpace, used memory.Size) SpaceStats {
	return SpaceStats{
		Name:      name,
		Start:     s.Start(),
		Committed: s.CommittedSize(),
		Reserved:  s.ReservedSize(),
		Used:      used,
	}
}

// Stats is a snapshot of the heap taken with the world stopped.
type Stats struct {
	Scheme      string `json:"scheme"`
	Collections uint64 `json:"collections"`
	Minor       uint64 `json:"minor"`
	Full        uint64 `json:"full"`
	Grows       uint64 `json:"grows"`
	Shrinks     uint64 `json:"shrinks"`
	OutOfMemory uint64 `json:"out_of_memory"`

	GCTime    time.Duration `json:"gc_time_ns"`
	LastPause time.Duration `json:"last_pause_ns"`
	LastGC    time.Time     `json:"last_gc"`

	Used      memory.Size `json:"used"`
	Free      memory.Size `json:"free"`
	Committed memory.Size `json:"committed"`
	Reserved  memory.Size `json:"reserved"`

	InSafetyZone bool `json:"in_safety_zone"`
	Threads      int  `json:"threads"`
	// Pending counts cleared references not yet polled.
	Pending int `json:"pending_references"`

	Spaces     []SpaceStats     `json:"spaces"`
	References specialref.Stats `json:"references"`
	TLAB       tlab.Stats       `json:"tlab"`
}

func addTLABStats(a, b tlab.Stats) tlab.Stats {
	a.Refills += b.Refills
	a.Overflows += b.Overflows
	a.Direct += b.Direct
	a.LeftoverSize += b.LeftoverSize
	return a
}

func (h *Heap) stats(p safepoint.Parker) (Stats, error) {
	var s Stats
	err := h.submit(p, "stats", safepoint.LowPriority, func(tok *safepoint.Token) {
		tok.Check()
		s = h.snapshot()
	})
	return s, err
}

func (h *Heap) snapshot() Stats {
	s := Stats{
		Scheme:       h.scheme.name(),
		Used:         h.scheme.usedSpace(),
		Free:         h.scheme.freeSpace(),
		InSafetyZone: h.inZone.Load(),
		Spaces:       h.scheme.spaces(),
		References:   h.refs.Stats(),
		Pending:      h.refs.Pending(),
	}
	for _, sp := range s.Spaces {
		s.Committed += sp.Committed
		s.Reserved += sp.Reserved
	}

	h.threadsMu.Lock()
	s.Threads = len(h.threads)
	s.TLAB = h.retiredTLAB
	for t := range h.threads {
		s.TLAB = addTLABStats(s.TLAB, t.tlab.Stats())
	}
	h.threadsMu.Unlock()

	h.statsMu.Lock()
	c := h.counters
	h.statsMu.Unlock()
	s.Collections = c.collections
	s.Minor = c.minor
	s.Full = c.full
	s.Grows = c.grows
	s.Shrinks = c.shrinks
	s.OutOfMemory = c.oom
	s.GCTime = c.gcTime
	s.LastPause = c.lastPause
	s.LastGC = c.lastGC
	return s
}
