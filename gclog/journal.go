package gclog

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

var logger *log.Logger

func init() {
	SetLoggerOutput(os.Stderr)
}

func SetLoggerOutput(w io.Writer) {
	logger = log.New(w, "", log.LstdFlags)
}

type Kind string

const (
	KindMinor       Kind = "minor"
	KindFull        Kind = "full"
	KindGrow        Kind = "grow"
	KindShrink      Kind = "shrink"
	KindOutOfMemory Kind = "out-of-memory"
)

type Phase struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ns"`
}

// Event describes one collection or heap resize.
type Event struct {
	Seq        uint64        `json:"seq"`
	Time       time.Time     `json:"time"`
	Kind       Kind          `json:"kind"`
	Scheme     string        `json:"scheme"`
	Reason     string        `json:"reason,omitempty"`
	Requested  uint64        `json:"requested"`
	UsedBefore uint64        `json:"used_before"`
	UsedAfter  uint64        `json:"used_after"`
	Evacuated  uint64        `json:"evacuated"`
	Committed  uint64        `json:"committed"`
	Pause      time.Duration `json:"pause_ns"`
	Phases     []Phase       `json:"phases,omitempty"`
}

// Sink receives a copy of every recorded event, off the collector's path.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Journal keeps the most recent events in a ring, fans them out to
// subscribers and forwards them to sinks.
type Journal struct {
	mu         sync.Mutex
	slice      []Event
	head, tail int
	count      int
	seq        uint64

	subs    map[int]chan Event
	nextSub int
	sinks   []*sinkWorker
	verbose bool
}

func NewJournal(capacity int) *Journal {
	if capacity < 1 {
		capacity = 1
	}
	return &Journal{slice: make([]Event, capacity), subs: make(map[int]chan Event)}
}

// SetVerbose logs every event as it is recorded.
func (j *Journal) SetVerbose(v bool) {
	j.mu.Lock()
	j.verbose = v
	j.mu.Unlock()
}

// Record numbers e and stores it, dropping the oldest event when the ring is
// full. Subscribers that are not keeping up miss events.
func (j *Journal) Record(e Event) Event {
	j.mu.Lock()
	j.seq++
	e.Seq = j.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	j.enqueue(e)
	for _, ch := range j.subs {
		select {
		case ch <- e:
		default:
		}
	}
	for _, w := range j.sinks {
		w.offer(e)
	}
	verbose := j.verbose
	j.mu.Unlock()
	if verbose {
		logger.Printf("GC:#%d %s %s used %d->%d evacuated %d pause %v\n",
			e.Seq, e.Kind, e.Reason, e.UsedBefore, e.UsedAfter, e.Evacuated, e.Pause)
	}
	return e
}

func (j *Journal) enqueue(e Event) {
	j.slice[j.tail] = e
	j.tail = (j.tail + 1) % len(j.slice)
	if j.count == len(j.slice) {
		j.head = j.tail
		return
	}
	j.count++
}

// Recent returns up to n events, oldest first. n <= 0 returns all kept events.
func (j *Journal) Recent(n int) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n <= 0 || n > j.count {
		n = j.count
	}
	out := make([]Event, 0, n)
	for i := j.count - n; i < j.count; i++ {
		out = append(out, j.slice[(j.head+i)%len(j.slice)])
	}
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Subscribe returns a channel receiving new events and a function ending the
// subscription.
func (j *Journal) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	j.mu.Lock()
	id := j.nextSub
	j.nextSub++
	j.subs[id] = ch
	j.mu.Unlock()
	return ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, ok := j.subs[id]; ok {
			delete(j.subs, id)
			close(ch)
		}
	}
}

// AddSink starts forwarding events to s. Up to buffer events wait for a slow
// sink before new ones are dropped.
func (j *Journal) AddSink(s Sink, buffer int) {
	w := &sinkWorker{sink: s, queue: make(chan Event, buffer), done: make(chan struct{})}
	go w.run()
	j.mu.Lock()
	j.sinks = append(j.sinks, w)
	j.mu.Unlock()
}

// Close flushes and closes all sinks and ends every subscription.
func (j *Journal) Close() error {
	j.mu.Lock()
	sinks := j.sinks
	j.sinks = nil
	for id, ch := range j.subs {
		delete(j.subs, id)
		close(ch)
	}
	j.mu.Unlock()
	var first error
	for _, w := range sinks {
		if err := w.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type sinkWorker struct {
	sink    Sink
	queue   chan Event
	done    chan struct{}
	dropped uint64
}

func (w *sinkWorker) offer(e Event) {
	select {
	case w.queue <- e:
	default:
		w.dropped++
	}
}

func (w *sinkWorker) run() {
	defer close(w.done)
	for e := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := w.sink.Publish(ctx, e); err != nil {
			logger.Printf("GC:sink publish of event #%d failed: %s\n", e.Seq, err.Error())
		}
		cancel()
	}
}

func (w *sinkWorker) close() error {
	close(w.queue)
	<-w.done
	if w.dropped > 0 {
		logger.Printf("GC:sink dropped %d events\n", w.dropped)
	}
	return w.sink.Close()
}
