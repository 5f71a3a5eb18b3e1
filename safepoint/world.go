package safepoint

import (
	"sync"
	"sync/atomic"
)

// Parker is a mutator that can give up its share of the world while it
// blocks, and take it back afterwards.
type Parker interface {
	Park()
	Unpark()
}

// World is the global pause lock. Running mutators hold the read side; the
// operation thread takes the write side, so it runs only once every mutator
// is parked.
type World struct {
	lock    sync.RWMutex
	waiting atomic.Int32
	stopped atomic.Bool
	pauses  atomic.Uint64
}

func NewWorld() *World {
	return &World{}
}

// Enter marks the calling mutator as running. It blocks while the world is stopped.
func (w *World) Enter() {
	w.lock.RLock()
}

// Leave parks the calling mutator.
func (w *World) Leave() {
	w.lock.RUnlock()
}

// Requested reports whether an operation is waiting for mutators to park.
func (w *World) Requested() bool {
	return w.waiting.Load() > 0
}

// Poll parks and resumes the caller if a pause has been requested.
func (w *World) Poll() {
	if w.Requested() {
		w.Leave()
		w.Enter()
	}
}

func (w *World) Stopped() bool {
	return w.stopped.Load()
}

// Pauses counts completed stop-the-world pauses.
func (w *World) Pauses() uint64 {
	return w.pauses.Load()
}

func (w *World) stop() {
	w.waiting.Add(1)
	w.lock.Lock()
	w.waiting.Add(-1)
	w.stopped.Store(true)
}

func (w *World) resume() {
	w.stopped.Store(false)
	w.pauses.Add(1)
	w.lock.Unlock()
}
