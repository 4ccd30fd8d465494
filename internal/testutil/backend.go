package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tphakala/nnbridge/internal/nnmodel"
)

// InferCall records one call to FakeBackend.Infer.
type InferCall struct {
	Method string
	Input  [][]float32
	Attrs  []nnmodel.AttributeValue
}

// FakeBackend is a scriptable nnmodel.Backend. By default Infer copies each
// input channel to the output channel with the same index and adds Offset.
type FakeBackend struct {
	MethodList    []nnmodel.ModelMethod
	AttributeList []nnmodel.AttributeDescriptor
	Offset        float32

	// Gate, when set, makes Infer wait for a value before returning.
	Gate chan struct{}
	// Entered, when set, receives a non-blocking notification as Infer starts.
	Entered chan struct{}

	mu     sync.Mutex
	calls  []InferCall
	values map[string]string
	err    error

	closed atomic.Int32
}

// NewFakeBackend returns a backend with a single ratio-1 "forward" method of
// the given channel counts.
func NewFakeBackend(inChannels, outChannels int) *FakeBackend {
	return &FakeBackend{
		MethodList: []nnmodel.ModelMethod{{
			Name: "forward", InChannels: inChannels, InRatio: 1, OutChannels: outChannels, OutRatio: 1,
		}},
	}
}

func (f *FakeBackend) Methods() []nnmodel.ModelMethod { return slices.Clone(f.MethodList) }

func (f *FakeBackend) Attributes() []nnmodel.AttributeDescriptor {
	return slices.Clone(f.AttributeList)
}

func (f *FakeBackend) Infer(method nnmodel.ModelMethod, in, out [][]float32, attrs []nnmodel.AttributeValue) error {
	if f.Entered != nil {
		select {
		case f.Entered <- struct{}{}:
		default:
		}
	}

	call := InferCall{Method: method.Name, Attrs: slices.Clone(attrs)}
	for _, ch := range in {
		call.Input = append(call.Input, slices.Clone(ch))
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	if f.values == nil {
		f.values = make(map[string]string)
	}
	for _, a := range attrs {
		f.values[a.Name] = a.Value
	}
	err := f.err
	f.mu.Unlock()

	if f.Gate != nil {
		<-f.Gate
	}
	if err != nil {
		return err
	}

	for i := range out {
		if i < len(in) {
			for j := range out[i] {
				out[i][j] = in[i][j] + f.Offset
			}
		} else {
			clear(out[i])
		}
	}
	return nil
}

// AttributeValue implements nnmodel.AttributeReader.
func (f *FakeBackend) AttributeValue(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[name]
	return v, ok
}

func (f *FakeBackend) Close() error {
	f.closed.Add(1)
	return nil
}

// SetError makes subsequent Infer calls fail with err.
func (f *FakeBackend) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns a copy of the recorded calls.
func (f *FakeBackend) Calls() []InferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount returns how many times Infer ran.
func (f *FakeBackend) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// CloseCount returns how many times Close ran.
func (f *FakeBackend) CloseCount() int {
	return int(f.closed.Load())
}

// FakeLoader hands out backends built by per-path constructors.
type FakeLoader struct {
	mu       sync.Mutex
	builders map[string]func() nnmodel.Backend
	loads    map[string]int
	opened   []nnmodel.Backend
}

// NewFakeLoader returns an empty loader; unknown paths fail to load.
func NewFakeLoader() *FakeLoader {
	return &FakeLoader{
		builders: make(map[string]func() nnmodel.Backend),
		loads:    make(map[string]int),
	}
}

// Register makes path loadable through build.
func (l *FakeLoader) Register(path string, build func() nnmodel.Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.builders[path] = build
}

// Load implements nnmodel.Loader.
func (l *FakeLoader) Load(_ context.Context, path string) (nnmodel.Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	build, ok := l.builders[path]
	if !ok {
		return nil, fmt.Errorf("cannot open model %s", path)
	}
	l.loads[path]++
	b := build()
	l.opened = append(l.opened, b)
	return b, nil
}

// LoadCount returns how many times path was opened.
func (l *FakeLoader) LoadCount(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[path]
}

// Opened returns every backend handed out so far.
func (l *FakeLoader) Opened() []nnmodel.Backend {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.opened)
}
