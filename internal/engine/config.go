package engine

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// DebugLevel selects how much the engine reports.
type DebugLevel int

const (
	DebugNone       DebugLevel = iota // no extra output
	DebugAttributes                   // log the backend's value after every attribute set
	DebugAll                          // also log load, warmup and bind details
	DebugDiagnostic                   // replace model output with buffer diagnostics
)

// String returns the level name.
func (d DebugLevel) String() string {
	switch d {
	case DebugNone:
		return "none"
	case DebugAttributes:
		return "attributes"
	case DebugAll:
		return "all"
	case DebugDiagnostic:
		return "diagnostic"
	default:
		return fmt.Sprintf("debug(%d)", int(d))
	}
}

// ParseDebugLevel accepts a level name or its number.
func ParseDebugLevel(s string) (DebugLevel, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < int(DebugNone) || n > int(DebugDiagnostic) {
			return DebugNone, fmt.Errorf("debug level %d out of range", n)
		}
		return DebugLevel(n), nil
	}
	for d := DebugNone; d <= DebugDiagnostic; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	if s == "" {
		return DebugNone, nil
	}
	return DebugNone, fmt.Errorf("unknown debug level %q", s)
}

// BufferResolution is the outcome of ResolveBufferSize.
type BufferResolution struct {
	Size        int
	Synchronous bool
	Adjusted    bool   // Size differs from what was requested
	Reason      string // why it was adjusted
}

// ResolveBufferSize turns a requested model buffer size into the size the
// engine runs with:
//
//	requested < 0              highest ratio
//	requested == 0             highest ratio, inference runs synchronously
//	requested < highest ratio  raised to the highest ratio
//	otherwise                  rounded up to the next power of two
//
// Automatic sizes (requested <= 0) are grown to a common multiple of the
// host block so they never disable the bridge.
func ResolveBufferSize(requested, highestRatio, blockSize int) BufferResolution {
	highestRatio = max(highestRatio, 1)
	var res BufferResolution

	switch {
	case requested < 0:
		res.Size = highestRatio
	case requested == 0:
		res.Size = highestRatio
		res.Synchronous = true
	case requested < highestRatio:
		res.Size = highestRatio
		res.Adjusted = true
		res.Reason = "buffer size too small for model, raised to highest ratio"
	default:
		res.Size = nextPowerOfTwo(requested)
		if res.Size != requested {
			res.Adjusted = true
			res.Reason = "buffer size rounded up to a power of two"
		}
	}

	if requested <= 0 && blockSize > res.Size {
		res.Size = lcm(res.Size, blockSize)
		res.Adjusted = true
		res.Reason = "automatic buffer size grown to a multiple of the host block"
	}
	return res
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}
