package safepoint

const HighPriority uint8 = 255

const MiddlePriority uint8 = 128

const LowPriority uint8 = 0

// Operation is a unit of work executed by the operation thread with the
// world stopped.
type Operation struct {
	name     string
	priority uint8
	seq      uint64
	run      func(*Token)
	done     chan struct{}
	failure  any
}

func NewOperation(name string, priority uint8, run func(*Token)) *Operation {
	return &Operation{name: name, priority: priority, run: run, done: make(chan struct{})}
}

func (op *Operation) Name() string { return op.name }

func (op *Operation) Priority() uint8 { return op.priority }

// Done is closed once the operation has run.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Failure is the value the operation panicked with, if any.
func (op *Operation) Failure() any {
	<-op.done
	return op.failure
}

// Token proves the holder runs inside an operation with every mutator
// parked. Only the operation thread creates tokens and they are revoked when
// the operation returns.
type Token struct {
	op    *Operation
	world *World
	valid bool
}

// Check panics unless t is a live token.
func (t *Token) Check() {
	if t == nil || !t.valid || !t.world.Stopped() {
		panic("safepoint: heap mutation outside a stop-the-world operation")
	}
}

func (t *Token) Operation() string {
	if t == nil || t.op == nil {
		return ""
	}
	return t.op.name
}
