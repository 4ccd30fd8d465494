// Package tflite runs TensorFlow Lite models as nnmodel backends.
package tflite

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/spf13/afero"
	tfl "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/tphakala/nnbridge/internal/cpuspec"
	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/nnmodel"
)

const componentTFLite = "backend.tflite"

// Options configures Open.
type Options struct {
	Threads int  // 0 derives the count from the CPU
	XNNPACK bool // try the XNNPACK delegate, falling back to the CPU kernels
	Fs      afero.Fs
	Logger  logger.Logger
}

type boundMethod struct {
	method nnmodel.ModelMethod
	input  *tfl.Tensor
	output *tfl.Tensor
}

type boundAttribute struct {
	desc   nnmodel.AttributeDescriptor
	tensor *tfl.Tensor
}

// Backend is one TFLite interpreter. Infer must not be called concurrently.
type Backend struct {
	path     string
	log      logger.Logger
	model    *tfl.Model
	options  *tfl.InterpreterOptions
	delegate *xnnpack.Delegate
	interp   *tfl.Interpreter

	methods    []boundMethod
	attributes []boundAttribute

	mu        sync.Mutex
	closeOnce sync.Once
}

// Open loads the model at path and its sidecar metadata, and allocates an
// interpreter.
func Open(path string, opts Options) (*Backend, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().Module(componentTFLite)
	}

	md, err := ReadMetadata(opts.Fs, path)
	if err != nil {
		return nil, loadError(err, path, errors.CategoryValidation)
	}
	data, err := afero.ReadFile(opts.Fs, path)
	if err != nil {
		return nil, loadError(err, path, errors.CategoryFileIO)
	}

	b := &Backend{path: path, log: log}
	b.model = tfl.NewModel(data)
	if b.model == nil {
		return nil, loadError(fmt.Errorf("cannot load TensorFlow Lite model"), path, errors.CategoryModelLoad)
	}

	threads := cpuspec.GetCPUSpec().InferenceThreads(opts.Threads)
	b.options = tfl.NewInterpreterOptions()
	if opts.XNNPACK {
		b.delegate = xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(threads)}) //nolint:gosec // G115: bounded by CPU count
		if b.delegate == nil {
			log.Warn("failed to create XNNPACK delegate, falling back to default CPU")
			b.options.SetNumThread(threads)
		} else {
			b.options.AddDelegate(b.delegate)
			b.options.SetNumThread(1)
		}
	} else {
		b.options.SetNumThread(threads)
	}
	b.options.SetErrorReporter(func(msg string, _ any) {
		log.Error("TFLite error", logger.String("message", msg))
	}, nil)

	b.interp = tfl.NewInterpreter(b.model, b.options)
	if b.interp == nil {
		_ = b.Close()
		return nil, loadError(fmt.Errorf("cannot create interpreter"), path, errors.CategoryModelLoad)
	}
	if status := b.interp.AllocateTensors(); status != tfl.OK {
		_ = b.Close()
		return nil, loadError(fmt.Errorf("tensor allocation failed: %v", status), path, errors.CategoryResource)
	}

	if err := b.bind(md); err != nil {
		_ = b.Close()
		return nil, loadError(err, path, errors.CategoryValidation)
	}

	log.Info("TFLite model loaded",
		logger.String("path", path),
		logger.Int("threads", threads),
		logger.Bool("xnnpack", b.delegate != nil),
		logger.Int("methods", len(b.methods)),
		logger.Int("attributes", len(b.attributes)))
	return b, nil
}

func loadError(err error, path string, category errors.ErrorCategory) error {
	return errors.New(err).
		Component(componentTFLite).
		Category(category).
		Context("path", path).
		Build()
}

// bind resolves the tensors named by md.
func (b *Backend) bind(md Metadata) error {
	inputs := make(map[string]*tfl.Tensor)
	var firstIn, firstOut *tfl.Tensor
	for i := range b.interp.GetInputTensorCount() {
		t := b.interp.GetInputTensor(i)
		if i == 0 {
			firstIn = t
		}
		inputs[t.Name()] = t
	}
	outputs := make(map[string]*tfl.Tensor)
	for i := range b.interp.GetOutputTensorCount() {
		t := b.interp.GetOutputTensor(i)
		if i == 0 {
			firstOut = t
		}
		outputs[t.Name()] = t
	}

	lookup := func(set map[string]*tfl.Tensor, first *tfl.Tensor, name, side string) (*tfl.Tensor, error) {
		if name == "" {
			if first == nil {
				return nil, fmt.Errorf("model has no %s tensor", side)
			}
			return first, nil
		}
		t, ok := set[name]
		if !ok {
			return nil, fmt.Errorf("model has no %s tensor %q", side, name)
		}
		return t, nil
	}

	for _, spec := range md.Methods {
		in, err := lookup(inputs, firstIn, spec.Input, "input")
		if err != nil {
			return err
		}
		out, err := lookup(outputs, firstOut, spec.Output, "output")
		if err != nil {
			return err
		}
		if in.Type() != tfl.Float32 || out.Type() != tfl.Float32 {
			return fmt.Errorf("method %s: audio tensors must be float32", spec.Name)
		}
		b.methods = append(b.methods, boundMethod{method: spec.ModelMethod, input: in, output: out})
	}

	for _, spec := range md.Attributes {
		t, ok := inputs[spec.TensorName()]
		if !ok {
			return fmt.Errorf("attribute %s: model has no input tensor %q", spec.Name, spec.TensorName())
		}
		if t.Type() != tfl.Float32 || len(t.Float32s()) != 1 {
			return fmt.Errorf("attribute %s: tensor %q must be a float32 scalar", spec.Name, spec.TensorName())
		}
		b.attributes = append(b.attributes, boundAttribute{desc: spec.Descriptor(), tensor: t})
	}
	return nil
}

// Methods implements nnmodel.Backend.
func (b *Backend) Methods() []nnmodel.ModelMethod {
	out := make([]nnmodel.ModelMethod, len(b.methods))
	for i := range b.methods {
		out[i] = b.methods[i].method
	}
	return out
}

// Attributes implements nnmodel.Backend.
func (b *Backend) Attributes() []nnmodel.AttributeDescriptor {
	out := make([]nnmodel.AttributeDescriptor, len(b.attributes))
	for i := range b.attributes {
		out[i] = b.attributes[i].desc
	}
	return out
}

// Infer implements nnmodel.Backend. Every channel is decimated by the input
// ratio into the input tensor, the graph is invoked and the output tensor is
// expanded by the output ratio.
func (b *Backend) Infer(method nnmodel.ModelMethod, in, out [][]float32, attrs []nnmodel.AttributeValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interp == nil {
		return fmt.Errorf("backend closed")
	}
	bm, ok := b.findMethod(method.Name)
	if !ok {
		return fmt.Errorf("unknown method %q", method.Name)
	}

	for _, a := range attrs {
		if err := b.setAttribute(a); err != nil {
			return err
		}
	}

	if err := pack(bm.input.Float32s(), in, bm.method.InRatio); err != nil {
		return err
	}
	if status := b.interp.Invoke(); status != tfl.OK {
		return fmt.Errorf("tensor invoke failed: %v", status)
	}
	return unpack(out, bm.output.Float32s(), bm.method.OutRatio)
}

func (b *Backend) findMethod(name string) (*boundMethod, bool) {
	for i := range b.methods {
		if b.methods[i].method.Name == name {
			return &b.methods[i], true
		}
	}
	return nil, false
}

func (b *Backend) findAttribute(name string) (*boundAttribute, bool) {
	for i := range b.attributes {
		if b.attributes[i].desc.Name == name {
			return &b.attributes[i], true
		}
	}
	return nil, false
}

func (b *Backend) setAttribute(a nnmodel.AttributeValue) error {
	ba, ok := b.findAttribute(a.Name)
	if !ok {
		return fmt.Errorf("unknown attribute %q", a.Name)
	}
	var v float32
	switch ba.desc.Kind {
	case nnmodel.KindBool:
		on, err := strconv.ParseBool(a.Value)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", a.Name, err)
		}
		if on {
			v = 1
		}
	default:
		f, err := strconv.ParseFloat(a.Value, 32)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", a.Name, err)
		}
		v = float32(f)
	}
	ba.tensor.Float32s()[0] = v
	return nil
}

// AttributeValue implements nnmodel.AttributeReader by reading the attribute
// tensor back.
func (b *Backend) AttributeValue(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ba, ok := b.findAttribute(name)
	if !ok || b.interp == nil {
		return "", false
	}
	return nnmodel.FormatValue(ba.desc.Kind, ba.tensor.Float32s()[0]), true
}

// Close releases the interpreter and model.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.interp != nil {
			b.interp.Delete()
			b.interp = nil
		}
		if b.delegate != nil {
			b.delegate.Delete()
			b.delegate = nil
		}
		if b.options != nil {
			b.options.Delete()
			b.options = nil
		}
		if b.model != nil {
			b.model.Delete()
			b.model = nil
		}
		b.log.Debug("TFLite model released", logger.String("path", b.path))
	})
	return nil
}
