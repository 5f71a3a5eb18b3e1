package memory

import "fmt"

// Address is a location in the simulated address space. Zero is null.
type Address uintptr

// Size is a byte count.
type Size uintptr

const (
	WordSize      Size = 8
	LogWordSize        = 3
	DefaultPage   Size = 4096
	K             Size = 1 << 10
	M             Size = 1 << 20
	G             Size = 1 << 30
	maxReportUnit      = 3
)

func (a Address) Plus(n Size) Address {
	return a + Address(n)
}

func (a Address) Minus(n Size) Address {
	return a - Address(n)
}

// Diff returns a-b. The caller guarantees a >= b.
func (a Address) Diff(b Address) Size {
	return Size(a - b)
}

func (a Address) IsZero() bool {
	return a == 0
}

func (a Address) AlignUp(alignment Size) Address {
	mask := Address(alignment - 1)
	return (a + mask) &^ mask
}

func (a Address) AlignDown(alignment Size) Address {
	return a &^ Address(alignment-1)
}

func (a Address) IsAligned(alignment Size) bool {
	return a&Address(alignment-1) == 0
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}

func (s Size) AlignUp(alignment Size) Size {
	mask := alignment - 1
	return (s + mask) &^ mask
}

func (s Size) AlignDown(alignment Size) Size {
	return s &^ (alignment - 1)
}

func (s Size) IsAligned(alignment Size) bool {
	return s&(alignment-1) == 0
}

func (s Size) Words() int {
	return int(s >> LogWordSize)
}

func Words(n int) Size {
	return Size(n) << LogWordSize
}

func MinSize(a, b Size) Size {
	if a < b {
		return a
	}
	return b
}

func MaxSize(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}

// String prints the size in the largest power-of-two unit that divides it.
func (s Size) String() string {
	units := []string{"", "K", "M", "G"}
	v := uint64(s)
	i := 0
	for i < maxReportUnit && v != 0 && v%1024 == 0 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%d%s", v, units[i])
}
