package memory

import (
	"errors"
	"fmt"
)

// FatalError reports a broken heap invariant. It is raised with panic and is
// never returned to a mutator as an ordinary error: once raised the heap can
// no longer be trusted.
type FatalError struct {
	Op      string
	Region  string
	Address Address
	Detail  string
}

func (e *FatalError) Error() string {
	msg := "fatal heap error in " + e.Op
	if e.Region != "" {
		msg += " [" + e.Region + "]"
	}
	if e.Address != 0 {
		msg += " at " + e.Address.String()
	}
	return msg + ": " + e.Detail
}

// Throw panics with a *FatalError.
func Throw(op, region string, at Address, format string, args ...any) {
	panic(&FatalError{Op: op, Region: region, Address: at, Detail: fmt.Sprintf(format, args...)})
}

// AsFatal extracts a *FatalError from a recovered panic value.
func AsFatal(v any) (*FatalError, bool) {
	err, ok := v.(error)
	if !ok {
		return nil, false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

var (
	ErrReservationExhausted = errors.New("memory: address space reservation exhausted")
	ErrNotPageAligned       = errors.New("memory: range is not page aligned")
	ErrOutsideReservation   = errors.New("memory: range outside reserved space")
)
