package layout

import "gengc/memory"

// Cell layout:
//
//	word 0  header (tagged)
//	word 1  array length, zero for tuples
//	word 2+ fields or elements
const (
	HeaderWords             = 2
	HeaderSize  memory.Size = HeaderWords * memory.WordSize
	LengthOffset            = memory.WordSize
	// MinCellSize is the smallest cell the allocators hand out.
	MinCellSize = HeaderSize
)

// Tag is the state of a cell header.
type Tag uint8

const (
	Unformatted Tag = iota
	Live
	Forwarded
	Dead
)

func (t Tag) String() string {
	switch t {
	case Live:
		return "live"
	case Forwarded:
		return "forwarded"
	case Dead:
		return "dead"
	}
	return "unformatted"
}

const tagMask = 3

func LiveHeader(id HubID) uint64 {
	return uint64(id)<<2 | uint64(Live)
}

func forwardHeader(target memory.Address) uint64 {
	return uint64(target) | uint64(Forwarded)
}

func deadHeader(size memory.Size) uint64 {
	return uint64(size)<<2 | uint64(Dead)
}

// DecodeHeader splits a header word into its tag and payload. The payload is
// the hub id of a live cell, the target of a forwarded cell and the byte
// size of a dead cell.
func DecodeHeader(h uint64) (Tag, uint64) {
	tag := Tag(h & tagMask)
	switch tag {
	case Live, Dead:
		return tag, h >> 2
	case Forwarded:
		return tag, h &^ tagMask
	}
	return Unformatted, 0
}
