package memory

import (
	"errors"
	"testing"
)

func TestVirtualMemoryCommit(t *testing.T) {
	vm := NewVirtualMemory(64*K, 4*K)
	start, err := vm.Reserve(16 * K)
	if err != nil {
		t.Fatal(err)
	}
	if start != DefaultBase {
		t.Fatalf("first reservation at %s, want %s", start, DefaultBase)
	}
	if vm.IsCommitted(start) {
		t.Fatal("reserved page reported committed")
	}
	if err := vm.Commit(start, 8*K); err != nil {
		t.Fatal(err)
	}
	vm.WriteWord(start.Plus(8), 0xdeadbeef)
	if got := vm.ReadWord(start.Plus(8)); got != 0xdeadbeef {
		t.Fatalf("read %#x", got)
	}
	if err := vm.Uncommit(start, 8*K); err != nil {
		t.Fatal(err)
	}
	if err := vm.Commit(start, 8*K); err != nil {
		t.Fatal(err)
	}
	if got := vm.ReadWord(start.Plus(8)); got != 0 {
		t.Fatalf("recommitted page not zero: %#x", got)
	}
	if err := vm.Commit(start.Plus(1), 4*K); !errors.Is(err, ErrNotPageAligned) {
		t.Fatalf("unaligned commit: %v", err)
	}
	if err := vm.Commit(start.Plus(16*K), 4*K); !errors.Is(err, ErrOutsideReservation) {
		t.Fatalf("commit past reservation: %v", err)
	}
	if _, err := vm.Reserve(64 * K); !errors.Is(err, ErrReservationExhausted) {
		t.Fatalf("over-reserve: %v", err)
	}
}

func TestUncommittedAccessIsFatal(t *testing.T) {
	vm := NewVirtualMemory(16*K, 4*K)
	start, _ := vm.Reserve(8 * K)
	defer func() {
		fe, ok := AsFatal(recover())
		if !ok {
			t.Fatal("expected a fatal error")
		}
		if fe.Address != start {
			t.Fatalf("fault address %s", fe.Address)
		}
	}()
	vm.ReadWord(start)
}

func TestContiguousHeapSpaceResize(t *testing.T) {
	vm := NewVirtualMemory(128*K, 4*K)
	s := NewContiguousHeapSpace("space", vm)
	if err := s.Reserve(64*K, 10*K); err != nil {
		t.Fatal(err)
	}
	if s.CommittedSize() != 12*K {
		t.Fatalf("initial commit %s", s.CommittedSize())
	}
	if !s.GrowCommitted(20 * K) {
		t.Fatal("grow within reservation refused")
	}
	if s.GrowCommitted(64 * K) {
		t.Fatal("grow past reservation accepted")
	}
	if s.ShrinkCommitted(28*K, 8*K) {
		t.Fatal("shrink below in-use accepted")
	}
	if !s.ShrinkCommitted(24*K, 8*K) || s.CommittedSize() != 8*K {
		t.Fatalf("shrink to 8K: %s", s.CommittedSize())
	}
	if got := s.ResizeCommitted(1*K, 5*K); got != 8*K {
		t.Fatalf("resize clamped to in-use: %s", got)
	}
	if got := s.ResizeCommitted(1*M, 0); got != 64*K {
		t.Fatalf("resize clamped to reservation: %s", got)
	}
	if !s.InReservation(s.Start().Plus(63*K)) || s.InReservation(s.ReservedEnd()) {
		t.Fatal("reservation bounds")
	}
}

func TestSizeString(t *testing.T) {
	cases := map[Size]string{0: "0", 512: "512", 2 * K: "2K", 3 * M: "3M", G: "1G", M + 8: "1048584"}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Errorf("%d: got %q want %q", uintptr(in), got, want)
		}
	}
}
