package sizing

import (
	"fmt"
	"strings"

	"gengc/memory"
)

// GrowPolicy computes the next size of a growing semi-space.
type GrowPolicy interface {
	Name() string
	// Grow returns the size after growing from current by at least request.
	Grow(current, request memory.Size) memory.Size
}

// DoubleGrowPolicy doubles the space until the request fits.
type DoubleGrowPolicy struct{}

func (DoubleGrowPolicy) Name() string { return "double" }

func (DoubleGrowPolicy) Grow(current, request memory.Size) memory.Size {
	if current == 0 {
		return request
	}
	next := current * 2
	for next < current+request {
		next *= 2
	}
	return next
}

// LinearGrowPolicy adds a fixed increment until the request fits.
type LinearGrowPolicy struct {
	Increment memory.Size
}

func (LinearGrowPolicy) Name() string { return "linear" }

func (p LinearGrowPolicy) Grow(current, request memory.Size) memory.Size {
	inc := p.Increment
	if inc == 0 {
		inc = current
	}
	if inc == 0 {
		return request
	}
	next := current + inc
	for next < current+request {
		next += inc
	}
	return next
}

// NoGrowPolicy keeps the space at its initial size.
type NoGrowPolicy struct{}

func (NoGrowPolicy) Name() string                            { return "none" }
func (NoGrowPolicy) Grow(current, _ memory.Size) memory.Size { return current }

// ParseGrowPolicy maps a configuration name to a policy. increment is used by
// the linear policy.
func ParseGrowPolicy(name string, increment memory.Size) (GrowPolicy, error) {
	switch strings.ToLower(name) {
	case "", "double":
		return DoubleGrowPolicy{}, nil
	case "linear":
		return LinearGrowPolicy{Increment: increment}, nil
	case "none":
		return NoGrowPolicy{}, nil
	}
	return nil, fmt.Errorf("sizing: unknown grow policy %q", name)
}

// EstimateSurvivors predicts the bytes the next minor collection will
// promote: the larger of a fixed share of the young generation and what the
// last collection actually moved.
func EstimateSurvivors(minSurvivingPercent int, youngSize, lastEvacuated memory.Size) memory.Size {
	est := percent(youngSize, minSurvivingPercent)
	if lastEvacuated > est {
		return lastEvacuated
	}
	return est
}
