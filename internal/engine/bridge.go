package engine

import (
	"context"
	"fmt"

	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/metrics"
	"github.com/tphakala/nnbridge/internal/nnmodel"
	"github.com/tphakala/nnbridge/internal/registry"
)

const componentBridge = "bridge"

// Control is one attribute control input for a block: the value to latch and
// the trigger whose rising edge latches it.
type Control struct {
	Value   float32
	Trigger float32
}

// Block is one host audio block. In and Out hold one slice per channel, all of
// the host block length; Controls holds one entry per bound attribute.
type Block struct {
	In       [][]float32
	Controls []Control
	Out      [][]float32
}

// Params are the construction-time controls of a Bridge.
type Params struct {
	ModelID    int
	MethodID   int
	Attributes []int // attribute indices bound to Block.Controls, in order
	BufferSize int   // requested model buffer size, see ResolveBufferSize
	Batches    int
	Warmup     int
	Debug      DebugLevel
	BlockSize  int  // host block size
	Offline    bool // non-realtime host, run inference inline

	// Host channel counts. Zero skips the check against the model method.
	InChannels  int
	OutChannels int
}

// LeaseSource hands out descriptor leases. *registry.Registry implements it.
type LeaseSource interface {
	Acquire(id int) (*registry.Lease, error)
}

// StatsExporter publishes engine counters. *metrics.BridgeMetrics implements it.
type StatsExporter interface {
	RegisterEngine(id string, src metrics.StatsSource)
	UnregisterEngine(id string)
}

// Deps are the collaborators a Bridge needs.
type Deps struct {
	Registry LeaseSource
	Loader   nnmodel.Loader
	Logger   logger.Logger
	Recorder metrics.Recorder
	Exporter StatsExporter
}

// Bridge is the per-block audio routine around an Engine. A Bridge that failed
// to bind stays usable and outputs silence; BindError reports why.
type Bridge struct {
	engine   *Engine
	lease    *registry.Lease
	bindErr  error
	debug    DebugLevel
	exporter StatsExporter
	log      logger.Logger
}

// NewBridge binds a model method from the registry and starts its engine.
// It always returns a usable Bridge.
func NewBridge(ctx context.Context, deps Deps, params Params) *Bridge {
	log := deps.Logger
	if log == nil {
		log = logger.Global().Module(componentBridge)
	}
	b := &Bridge{debug: params.Debug, exporter: deps.Exporter, log: log}

	if err := b.bind(ctx, deps, params); err != nil {
		b.bindErr = err
		b.log.Error("bridge disabled, output will be silent",
			logger.Int("model_id", params.ModelID),
			logger.Int("method_id", params.MethodID),
			logger.Error(err))
		if b.lease != nil {
			_ = b.lease.Release()
			b.lease = nil
		}
	}
	return b
}

func (b *Bridge) bind(ctx context.Context, deps Deps, p Params) error {
	if err := validateParams(p); err != nil {
		return err
	}
	if deps.Registry == nil {
		return bindError(errors.NewStd("model registry is required"), errors.CategoryConfiguration)
	}

	lease, err := deps.Registry.Acquire(p.ModelID)
	if err != nil {
		return err
	}
	b.lease = lease
	desc := lease.Descriptor()

	method, ok := desc.Method(p.MethodID)
	if !ok {
		return bindError(fmt.Errorf("model %d has no method %d", p.ModelID, p.MethodID), errors.CategoryNotFound)
	}
	if err := checkChannels(method, p); err != nil {
		return err
	}

	attrs := make([]nnmodel.AttributeDescriptor, 0, len(p.Attributes))
	for _, idx := range p.Attributes {
		a, ok := desc.Attribute(idx)
		if !ok {
			return bindError(fmt.Errorf("model %d has no attribute %d", p.ModelID, idx), errors.CategoryNotFound)
		}
		attrs = append(attrs, a)
	}

	res := ResolveBufferSize(p.BufferSize, desc.MinBufferSize(), p.BlockSize)
	if res.Adjusted {
		b.log.Warn(res.Reason,
			logger.Int("requested", p.BufferSize),
			logger.Int("buffer_size", res.Size))
	}
	if p.BlockSize > res.Size {
		return bindError(fmt.Errorf("host block size %d larger than model buffer size %d", p.BlockSize, res.Size),
			errors.CategoryConfiguration)
	}
	if res.Size%p.BlockSize != 0 {
		return bindError(fmt.Errorf("model buffer size %d is not a multiple of host block size %d", res.Size, p.BlockSize),
			errors.CategoryConfiguration)
	}

	eng, err := New(ctx, Options{
		Method:      method,
		Attributes:  attrs,
		ModelPath:   desc.Path(),
		Loader:      deps.Loader,
		BufferSize:  res.Size,
		Synchronous: res.Synchronous || p.Offline,
		Batches:     p.Batches,
		Warmup:      p.Warmup,
		Debug:       p.Debug,
		Logger:      b.log,
		Recorder:    deps.Recorder,
	})
	if err != nil {
		return err
	}
	b.engine = eng
	if b.exporter != nil {
		b.exporter.RegisterEngine(eng.ID(), eng)
	}

	if p.Debug >= DebugAll {
		b.log.Info("bridge bound",
			logger.Int("model_id", p.ModelID),
			logger.String("path", desc.Path()),
			logger.String("method", method.Name),
			logger.Int("buffer_size", res.Size),
			logger.Int("attributes", len(attrs)),
			logger.String("debug", p.Debug.String()))
	}
	return nil
}

// checkChannels rejects a host with fewer channels than the method needs for
// all batches. Extra host inputs are ignored and extra outputs stay silent.
func checkChannels(method nnmodel.ModelMethod, p Params) error {
	batches := max(p.Batches, 1)
	if need := method.InChannels * batches; p.InChannels > 0 && p.InChannels < need {
		return bindError(fmt.Errorf("host has %d input channels, method %s needs %d",
			p.InChannels, method.Name, need), errors.CategoryConfiguration)
	}
	if need := method.OutChannels * batches; p.OutChannels > 0 && p.OutChannels < need {
		return bindError(fmt.Errorf("host has %d output channels, method %s produces %d",
			p.OutChannels, method.Name, need), errors.CategoryConfiguration)
	}
	return nil
}

func validateParams(p Params) error {
	var problems []string
	if p.ModelID < 0 {
		problems = append(problems, fmt.Sprintf("model id %d is negative", p.ModelID))
	}
	if p.MethodID < 0 {
		problems = append(problems, fmt.Sprintf("method id %d is negative", p.MethodID))
	}
	if p.BlockSize <= 0 {
		problems = append(problems, fmt.Sprintf("host block size %d must be positive", p.BlockSize))
	}
	if p.InChannels < 0 || p.OutChannels < 0 {
		problems = append(problems, fmt.Sprintf("host channel counts %d/%d are negative", p.InChannels, p.OutChannels))
	}
	if p.Warmup < 0 {
		problems = append(problems, fmt.Sprintf("warmup %d is negative", p.Warmup))
	}
	if p.Debug < DebugNone || p.Debug > DebugDiagnostic {
		problems = append(problems, fmt.Sprintf("debug level %d out of range", p.Debug))
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid bridge parameters: %v", problems).
		Component(componentBridge).
		Category(errors.CategoryValidation).
		Build()
}

func bindError(err error, category errors.ErrorCategory) error {
	return errors.New(err).
		Component(componentBridge).
		Category(category).
		Build()
}

// BindError returns why the bridge is silent, or nil when it is bound. A
// backend that failed to load in the worker is reported here as well.
func (b *Bridge) BindError() error {
	if b.bindErr != nil {
		return b.bindErr
	}
	if b.engine != nil {
		return b.engine.LoadErr()
	}
	return nil
}

// Bound reports whether the bridge has an engine.
func (b *Bridge) Bound() bool { return b.engine != nil }

// Engine returns the bound engine, or nil.
func (b *Bridge) Engine() *Engine { return b.engine }

// Process runs one host block: feed input, update attributes, drain output
// and, at DebugDiagnostic, replace the output with buffer diagnostics.
// Audio thread only; never blocks in threaded mode.
func (b *Bridge) Process(blk Block) {
	if b.engine == nil {
		clearBlock(blk.Out)
		return
	}

	b.engine.Push(blk.In)

	attrs := b.engine.Attributes()
	for i := range min(len(blk.Controls), attrs.Len()) {
		attrs.Update(i, blk.Controls[i].Value, blk.Controls[i].Trigger)
	}

	missing := b.engine.Pull(blk.Out)

	if b.debug == DebugDiagnostic {
		b.writeDiagnostics(blk.Out, missing)
	}
}

// writeDiagnostics puts the input fill ratio on channel 0, the output fill
// ratio on channel 1 and an underrun flag on every other channel.
func (b *Bridge) writeDiagnostics(out [][]float32, missing int) {
	var underrun float32
	if missing > 0 {
		underrun = 1
	}
	for ch := range out {
		var v float32
		switch ch {
		case 0:
			v = float32(b.engine.InputFill())
		case 1:
			v = float32(b.engine.OutputFill())
		default:
			v = underrun
		}
		for i := range out[ch] {
			out[ch][i] = v
		}
	}
}

// Close stops the engine and releases the descriptor lease.
func (b *Bridge) Close() error {
	var errs []error
	if b.engine != nil {
		if b.exporter != nil {
			b.exporter.UnregisterEngine(b.engine.ID())
		}
		errs = append(errs, b.engine.Close())
	}
	if b.lease != nil {
		errs = append(errs, b.lease.Release())
		b.lease = nil
	}
	return errors.Join(errs...)
}
