package heap

import (
	"time"

	"gengc/gclog"
	"gengc/memory"
	"gengc/safepoint"
)

// Reason says why a collection was requested.
type Reason string

const (
	ReasonAllocation Reason = "allocation"
	ReasonExplicit   Reason = "explicit"
	ReasonLastDitch  Reason = "last-ditch"
	ReasonGrow       Reason = "grow"
	ReasonShrink     Reason = "shrink"
	ReasonOverflow   Reason = "minor overflow"
)

// request describes the collection a thread asks for.
type request struct {
	reason    Reason
	requested memory.Size
	full      bool
	clearSoft bool
	// old asks for space in the old generation rather than the nursery.
	old bool
	// grow and shrink resize the heap as part of the collection.
	grow   bool
	shrink memory.Size
}

// collectionContext carries one collection through its phases. It only
// exists on the operation thread.
type collectionContext struct {
	request
	token   *safepoint.Token
	tag     string
	kind    gclog.Kind
	start   time.Time
	phases  []gclog.Phase
	logs    bool
	timing  bool
	resized bool

	usedBefore memory.Size
	evacuated  memory.Size
}

func (h *Heap) newContext(tok *safepoint.Token, r request) *collectionContext {
	return &collectionContext{
		request: r,
		token:   tok,
		tag:     h.scheme.tag(),
		kind:    gclog.KindMinor,
		start:   time.Now(),
		logs:    h.cfg.LogPhases,
		timing:  h.cfg.LogTime,
	}
}

// phase runs fn as a named, timed step of the collection.
func (c *collectionContext) phase(name string, fn func()) {
	c.token.Check()
	if c.logs {
		logger.Printf("%s:begin %s\n", c.tag, name)
	}
	start := time.Now()
	fn()
	d := time.Since(start)
	c.phases = append(c.phases, gclog.Phase{Name: name, Duration: d})
	if c.logs {
		logger.Printf("%s:end %s\n", c.tag, name)
	}
	if c.timing {
		logger.Printf("%s:%s took %v\n", c.tag, name, d)
	}
}

func (c *collectionContext) pause() time.Duration {
	return time.Since(c.start)
}
