package sizing

import (
	"fmt"
	"io"
	"log"
	"os"

	"gengc/memory"
)

const (
	MinYoungGenPercent             = 5
	MinYoungGenSize    memory.Size = 128 * memory.K
)

var logger *log.Logger

func init() {
	SetLoggerOutput(os.Stderr)
}

func SetLoggerOutput(w io.Writer) {
	logger = log.New(w, "", log.LstdFlags)
}

func percent(size memory.Size, p int) memory.Size {
	return size * memory.Size(p) / 100
}

// GenSSPolicy sizes the generations of a GenSS heap. The heap size it
// manages is young plus one old semi-space: the other semi-space is only
// needed while a full collection runs, so a maximum heap of M leaves an
// effective maximum of M*100/(200-youngPercent).
//
// In normal mode the policy grows the heap to keep at least minFreePercent
// free and shrinks it when more than maxFreePercent is free. Once the heap
// cannot grow any more it switches to degraded mode and gives young space to
// the old generation instead.
type GenSSPolicy struct {
	unit             memory.Size
	maxFreePercent   int
	minFreePercent   int
	minHeapDelta     memory.Size
	minYoungGenDelta memory.Size
	youngMaxPercent  int
	youngPercent     int
	initHeapSize     memory.Size
	maxHeapSize      memory.Size
	maxOldGenSize    memory.Size
	heapSize         memory.Size
	normalMode       bool
	outOfMemory      bool
	minorOverflow    bool
	verbose          bool
}

// NewGenSSPolicy builds a policy for heaps between initSize and maxSize with
// youngPercent of the effective heap given to the nursery. Sizes are kept
// multiples of unit, a power of two.
func NewGenSSPolicy(initSize, maxSize memory.Size, youngPercent int, unit memory.Size) (*GenSSPolicy, error) {
	if youngPercent <= 0 || youngPercent >= 100 {
		return nil, fmt.Errorf("sizing: young generation percentage %d out of (0, 100)", youngPercent)
	}
	if unit == 0 || unit&(unit-1) != 0 {
		return nil, fmt.Errorf("sizing: alignment %d is not a power of two", unit)
	}
	p := &GenSSPolicy{
		unit:            unit,
		maxFreePercent:  70,
		minFreePercent:  40,
		minHeapDelta:    128 * memory.K,
		youngMaxPercent: youngPercent,
		youngPercent:    youngPercent,
		normalMode:      true,
	}
	minEffective := 2 * MinYoungGenSize
	p.initHeapSize = memory.MaxSize(p.effectiveHeapSize(initSize), minEffective)
	p.maxHeapSize = p.effectiveHeapSize(maxSize)
	if p.maxHeapSize < minEffective {
		return nil, fmt.Errorf("sizing: max heap size %s leaves %s, below the %s minimum", maxSize, p.maxHeapSize, minEffective)
	}
	if p.initHeapSize > p.maxHeapSize {
		p.initHeapSize = p.maxHeapSize
	}
	p.minYoungGenDelta = p.alignUp(percent(p.maxHeapSize, 1))
	p.heapSize = p.initHeapSize
	p.maxOldGenSize = p.maxHeapSize - p.MinYoungGenSize()
	return p, nil
}

func (p *GenSSPolicy) SetVerbose(v bool) { p.verbose = v }

func (p *GenSSPolicy) alignUp(s memory.Size) memory.Size {
	return s.AlignUp(p.unit)
}

func (p *GenSSPolicy) effectiveHeapSize(space memory.Size) memory.Size {
	return p.alignUp(space * 100 / memory.Size(200-p.youngMaxPercent))
}

func (p *GenSSPolicy) MinYoungGenSize() memory.Size {
	return p.alignUp(memory.MaxSize(percent(p.maxHeapSize, MinYoungGenPercent), MinYoungGenSize))
}

func (p *GenSSPolicy) InitialYoungGenSize() memory.Size {
	return p.alignUp(memory.MaxSize(percent(p.initHeapSize, p.youngMaxPercent), MinYoungGenSize))
}

func (p *GenSSPolicy) InitialOldGenSize() memory.Size {
	return p.initHeapSize - p.InitialYoungGenSize()
}

func (p *GenSSPolicy) MaxYoungGenSize() memory.Size {
	return p.alignUp(percent(p.maxHeapSize, p.youngMaxPercent))
}

func (p *GenSSPolicy) MaxOldGenSize() memory.Size {
	return p.maxOldGenSize
}

func (p *GenSSPolicy) HeapSize() memory.Size    { return p.heapSize }
func (p *GenSSPolicy) MaxHeapSize() memory.Size { return p.maxHeapSize }
func (p *GenSSPolicy) YoungPercent() int        { return p.youngPercent }
func (p *GenSSPolicy) NormalMode() bool         { return p.normalMode }
func (p *GenSSPolicy) OutOfMemory() bool        { return p.outOfMemory }

func (p *GenSSPolicy) YoungGenSize() memory.Size {
	return p.alignUp(memory.MaxSize(percent(p.heapSize, p.youngPercent), MinYoungGenSize))
}

func (p *GenSSPolicy) OldGenSize() memory.Size {
	ys := p.YoungGenSize()
	if p.heapSize <= ys {
		return 0
	}
	return p.heapSize - ys
}

// ShouldPerformFullGC decides, after a minor collection, whether the old
// generation needs a full collection before the next minor one.
func (p *GenSSPolicy) ShouldPerformFullGC(estimatedEvacuation, oldGenFree memory.Size, mutatorOverflow bool) bool {
	full := p.minorOverflow || mutatorOverflow || estimatedEvacuation > oldGenFree
	if p.verbose {
		logger.Printf("GENSS:estimated next evacuation %s, free old space %s, mutator overflow %v, full gc %v\n",
			estimatedEvacuation, oldGenFree, mutatorOverflow, full)
	}
	return full
}

// NotifyMinorEvacuationOverflow records that a minor collection had to be
// finished by a full one.
func (p *GenSSPolicy) NotifyMinorEvacuationOverflow() {
	p.minorOverflow = true
}

func (p *GenSSPolicy) NotifyOutOfMemory() {
	p.outOfMemory = true
}

func (p *GenSSPolicy) sizeDownYoungGen(estimatedEvacuation, oldGenFree memory.Size) bool {
	ys := p.YoungGenSize()
	minYS := p.MinYoungGenSize()
	if ys <= minYS {
		p.outOfMemory = true
		return false
	}
	var needed memory.Size
	if estimatedEvacuation > oldGenFree {
		needed = p.alignUp(estimatedEvacuation - oldGenFree)
	}
	if tax := ys / 4; needed > tax {
		needed = tax
	}
	if needed < p.minYoungGenDelta {
		needed = p.minYoungGenDelta
	}
	if 2*needed >= ys || ys-2*needed < minYS {
		p.youngPercent = MinYoungGenPercent
		p.heapSize = minYS + p.maxOldGenSize
	} else {
		newYS := ys - 2*needed
		newHeap := p.heapSize - needed
		pct := int(newYS * 100 / newHeap)
		if pct < MinYoungGenPercent {
			pct = MinYoungGenPercent
		}
		if pct > p.youngMaxPercent {
			pct = p.youngMaxPercent
		}
		p.heapSize = newHeap
		p.youngPercent = pct
	}
	p.normalMode = false
	if p.verbose {
		logger.Printf("GENSS:young gen %d%% of heap, heap %s [young %s + old %s]\n",
			p.youngPercent, p.heapSize, p.YoungGenSize(), p.OldGenSize())
	}
	return true
}

func (p *GenSSPolicy) adjustForEstimatedEvacuation(estimatedEvacuation, used memory.Size) {
	newHeap := p.alignUp((used + estimatedEvacuation) * 100 / memory.Size(100-p.youngPercent))
	if newHeap < p.heapSize {
		newHeap = p.heapSize
	}
	if newHeap-p.heapSize < p.minHeapDelta {
		newHeap = p.heapSize + p.minHeapDelta
	}
	if newHeap > p.maxHeapSize {
		newHeap = p.maxHeapSize
	}
	p.heapSize = newHeap
}

func (p *GenSSPolicy) canIncreaseSize(estimatedEvacuation, oldGenFree memory.Size) bool {
	used := p.used(oldGenFree)
	if !p.normalMode {
		if oldGenFree < estimatedEvacuation {
			return p.sizeDownYoungGen(estimatedEvacuation, oldGenFree)
		}
		return false
	}
	if p.heapSize >= p.maxHeapSize {
		if oldGenFree < estimatedEvacuation {
			return p.sizeDownYoungGen(estimatedEvacuation, oldGenFree)
		}
		return false
	}
	free := p.heapSize - used
	if free >= percent(p.heapSize, p.minFreePercent) {
		if oldGenFree >= estimatedEvacuation {
			return false
		}
		p.adjustForEstimatedEvacuation(estimatedEvacuation, used)
		p.logGrow()
		return true
	}
	minFree := p.alignUp(used * memory.Size(p.minFreePercent) / memory.Size(100-p.minFreePercent))
	p.heapSize = memory.MinSize(used+minFree, p.maxHeapSize)
	if p.OldGenSize() < used+estimatedEvacuation {
		p.adjustForEstimatedEvacuation(estimatedEvacuation, used)
	}
	p.logGrow()
	return true
}

func (p *GenSSPolicy) used(oldGenFree memory.Size) memory.Size {
	old := p.OldGenSize()
	if oldGenFree > old {
		return 0
	}
	return old - oldGenFree
}

func (p *GenSSPolicy) logGrow() {
	if p.verbose {
		logger.Printf("GENSS:grow heap to %s [young %s + old %s]\n", p.heapSize, p.YoungGenSize(), p.OldGenSize())
	}
}

// ResizeAfterFullGC recomputes the heap size from the old generation's free
// space after a full collection. It reports whether the sizes changed.
func (p *GenSSPolicy) ResizeAfterFullGC(estimatedEvacuation, oldGenFree memory.Size, mutatorOverflow bool) bool {
	p.minorOverflow = false
	used := p.used(oldGenFree)
	free := p.heapSize - used
	maxFree := percent(p.heapSize, p.maxFreePercent)
	if !mutatorOverflow && free > maxFree && maxFree >= estimatedEvacuation {
		if !p.normalMode {
			return false
		}
		newHeap := p.alignUp(used + maxFree)
		if minHeap := 2 * MinYoungGenSize; newHeap < minHeap {
			newHeap = minHeap
		}
		if newHeap >= p.heapSize {
			return false
		}
		p.heapSize = newHeap
		if p.verbose {
			logger.Printf("GENSS:shrink heap to %s [young %s + old %s]\n", p.heapSize, p.YoungGenSize(), p.OldGenSize())
		}
		return true
	}
	return p.canIncreaseSize(estimatedEvacuation, oldGenFree)
}
