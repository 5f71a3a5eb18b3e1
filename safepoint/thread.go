package safepoint

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"
)

var ErrClosed = errors.New("safepoint: operation thread closed")

// OperationThread runs submitted operations one at a time, highest priority
// first, each inside a stop-the-world pause.
type OperationThread struct {
	world  *World
	rw     sync.Mutex
	arena  opArena
	seq    uint64
	signal chan struct{}
	quit   chan struct{}
	exited chan struct{}
	closed bool
	nocopy nocopy

	executed atomic.Uint64
	running  atomic.Bool
}

func NewOperationThread(world *World) *OperationThread {
	res := &OperationThread{
		world:  world,
		arena:  make(opArena, 0),
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	res.check()
	return res
}

type nocopy uintptr

func (q *OperationThread) check() {
	if !atomic.CompareAndSwapUintptr((*uintptr)(&q.nocopy), uintptr(0), uintptr(unsafe.Pointer(q))) && uintptr(q.nocopy) != uintptr(unsafe.Pointer(q)) {
		panic("operation thread copy")
	}
}

func (q *OperationThread) World() *World {
	return q.world
}

// Executed counts the operations run so far.
func (q *OperationThread) Executed() uint64 {
	return q.executed.Load()
}

// Start launches the thread. It must be called once.
func (q *OperationThread) Start() {
	q.check()
	go q.run()
}

// Close stops the thread once the queue drains. Pending operations still run.
func (q *OperationThread) Close() {
	q.rw.Lock()
	if q.closed {
		q.rw.Unlock()
		return
	}
	q.closed = true
	q.rw.Unlock()
	close(q.quit)
	<-q.exited
}

// Enqueue schedules op without waiting for it.
func (q *OperationThread) Enqueue(op *Operation) error {
	q.check()
	q.rw.Lock()
	if q.closed {
		q.rw.Unlock()
		return ErrClosed
	}
	q.seq++
	op.seq = q.seq
	heap.Push(&q.arena, op)
	q.rw.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Submit schedules op and blocks until it has run. The caller, when it is a
// mutator, is parked for the duration so the pause can begin. A fatal failure
// inside the operation is re-raised in the caller. Submit must not be
// called from inside an operation.
func (q *OperationThread) Submit(op *Operation, p Parker) error {
	if err := q.Enqueue(op); err != nil {
		return err
	}
	if p != nil {
		p.Park()
	}
	<-op.done
	if p != nil {
		p.Unpark()
	}
	if op.failure != nil {
		panic(op.failure)
	}
	return nil
}

func (q *OperationThread) next() *Operation {
	q.rw.Lock()
	defer q.rw.Unlock()
	if len(q.arena) == 0 {
		return nil
	}
	return heap.Pop(&q.arena).(*Operation)
}

func (q *OperationThread) run() {
	defer close(q.exited)
	for {
		for op := q.next(); op != nil; op = q.next() {
			q.execute(op)
		}
		select {
		case <-q.signal:
		case <-q.quit:
			for op := q.next(); op != nil; op = q.next() {
				q.execute(op)
			}
			return
		}
	}
}

func (q *OperationThread) execute(op *Operation) {
	q.world.stop()
	q.running.Store(true)
	token := &Token{op: op, world: q.world, valid: true}
	defer func() {
		token.valid = false
		if r := recover(); r != nil {
			op.failure = r
		}
		q.running.Store(false)
		q.world.resume()
		q.executed.Add(1)
		close(op.done)
	}()
	op.run(token)
}

type opArena []*Operation

func (arena opArena) Less(i, j int) bool {
	if arena[i].priority != arena[j].priority {
		return arena[i].priority > arena[j].priority
	}
	return arena[i].seq < arena[j].seq
}

func (arena opArena) Len() int {
	return len(arena)
}

func (arena opArena) Swap(i, j int) {
	arena[i], arena[j] = arena[j], arena[i]
}

func (arena *opArena) Push(value interface{}) {
	*arena = append(*arena, value.(*Operation))
}

func (arena *opArena) Pop() interface{} {
	old := *arena
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*arena = old[0 : n-1]
	return x
}

// Busy reports whether an operation is executing.
func (q *OperationThread) Busy() bool {
	return q.running.Load()
}
