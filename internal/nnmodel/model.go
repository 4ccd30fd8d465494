// Package nnmodel defines the contract between the inference engine and model
// backends: method and attribute descriptors, per-call attribute values and
// the Backend interface itself.
package nnmodel

import (
	"context"
	"fmt"
	"strconv"
)

// AttributeKind is the value type of a model attribute.
type AttributeKind int

const (
	KindOther AttributeKind = iota
	KindBool
	KindInt
	KindDouble
)

// String returns the lowercase kind name used in dumps and logs.
func (k AttributeKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	default:
		return "other"
	}
}

// ParseAttributeKind maps a kind name back to its AttributeKind. Unknown names
// yield KindOther.
func ParseAttributeKind(s string) AttributeKind {
	switch s {
	case "bool":
		return KindBool
	case "int":
		return KindInt
	case "double", "float":
		return KindDouble
	default:
		return KindOther
	}
}

// FormatValue renders a control value the way a backend expects it for kind:
// bool is "true" when value > 0, int is truncated toward zero and everything
// else is a decimal with six fractional digits.
func FormatValue(kind AttributeKind, value float32) string {
	switch kind {
	case KindBool:
		if value > 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.Itoa(int(value))
	default:
		return strconv.FormatFloat(float64(value), 'f', 6, 32)
	}
}

// ModelMethod describes one callable method of a model. Ratios are samples of
// audio per model frame on the input and output side.
type ModelMethod struct {
	Name        string `yaml:"name"`
	InChannels  int    `yaml:"inDim"`
	InRatio     int    `yaml:"inRatio"`
	OutChannels int    `yaml:"outDim"`
	OutRatio    int    `yaml:"outRatio"`
}

// MaxRatio returns the larger of the input and output ratios.
func (m ModelMethod) MaxRatio() int {
	return max(m.InRatio, m.OutRatio)
}

// Validate checks that channel counts and ratios are positive.
func (m ModelMethod) Validate() error {
	switch {
	case m.Name == "":
		return fmt.Errorf("method has no name")
	case m.InChannels <= 0 || m.OutChannels <= 0:
		return fmt.Errorf("method %s: channel counts must be positive (in=%d, out=%d)", m.Name, m.InChannels, m.OutChannels)
	case m.InRatio <= 0 || m.OutRatio <= 0:
		return fmt.Errorf("method %s: ratios must be positive (in=%d, out=%d)", m.Name, m.InRatio, m.OutRatio)
	}
	return nil
}

// AttributeDescriptor names a settable model attribute.
type AttributeDescriptor struct {
	Name string
	Kind AttributeKind
}

// AttributeValue is one formatted attribute assignment handed to Infer.
type AttributeValue struct {
	Name  string
	Value string
	Kind  AttributeKind
}

// Backend runs inference for one loaded model. Infer is called from a single
// goroutine at a time.
type Backend interface {
	// Methods lists the callable methods. Methods without parameters are
	// not listed.
	Methods() []ModelMethod

	// Attributes lists the settable attributes.
	Attributes() []AttributeDescriptor

	// Infer applies attrs, then runs method on in and writes out. in holds
	// InChannels*batches channels and out holds OutChannels*batches channels,
	// all of the same length, which is a multiple of both ratios.
	Infer(method ModelMethod, in, out [][]float32, attrs []AttributeValue) error

	// Close releases the backend.
	Close() error
}

// AttributeReader is implemented by backends that can report the current
// value of an attribute, used for debug echo after a set.
type AttributeReader interface {
	AttributeValue(name string) (string, bool)
}

// Loader opens a backend for a model path.
type Loader interface {
	Load(ctx context.Context, path string) (Backend, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, path string) (Backend, error)

// Load calls f(ctx, path).
func (f LoaderFunc) Load(ctx context.Context, path string) (Backend, error) {
	return f(ctx, path)
}

// FindMethod returns the index of the method called name.
func FindMethod(methods []ModelMethod, name string) (int, bool) {
	for i := range methods {
		if methods[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

// MinBufferSize is the highest ratio across methods, the smallest block an
// engine can run any method with.
func MinBufferSize(methods []ModelMethod) int {
	highest := 0
	for i := range methods {
		highest = max(highest, methods[i].MaxRatio())
	}
	return highest
}
