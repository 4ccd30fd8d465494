// Package engine bridges a hard real-time audio callback and a model worker
// goroutine.
//
// The audio thread pushes host blocks into per-channel input rings. When a
// full model block has accumulated and the worker is idle, the block is handed
// over by raising dataReady. The worker runs the backend, writes the result
// into the output rings and raises resultReady. The audio thread pulls output
// without ever waiting, zero-filling whatever is not ready yet.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/metrics"
	"github.com/tphakala/nnbridge/internal/nnmodel"
	"github.com/tphakala/nnbridge/internal/ringbuf"
)

const (
	componentEngine = "engine"

	// outputBlocks is the output ring capacity in model blocks: one result in
	// flight plus the unread remainder of the previous one.
	outputBlocks = 2

	errorLogInterval = 5 * time.Second
	errorLogBurst    = 3
)

// State is the lifecycle state of an Engine.
type State int32

const (
	StateUnbound State = iota
	StateIdle
	StateRunning
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures an Engine.
type Options struct {
	Method      nnmodel.ModelMethod
	Attributes  []nnmodel.AttributeDescriptor
	ModelPath   string
	Loader      nnmodel.Loader
	BufferSize  int  // samples per channel handed to one inference
	Synchronous bool // run inference inline on the pushing goroutine
	Batches     int
	Warmup      int
	Debug       DebugLevel
	Logger      logger.Logger
	Recorder    metrics.Recorder
}

// Stats is a snapshot of an engine's counters.
type Stats struct {
	Inferences uint64
	Failures   uint64
	Dispatches uint64
	Overruns   uint64 // input samples refused, per channel
	Underruns  uint64 // output samples zero-filled, per channel
	InputFill  float64
	OutputFill float64
}

// Engine owns the rings, the worker goroutine and the backend for one bound
// model method. Push and Pull belong to the audio thread; Close must not run
// concurrently with them.
type Engine struct {
	id          string
	method      nnmodel.ModelMethod
	path        string
	loader      nnmodel.Loader
	bufferSize  int
	batches     int
	synchronous bool
	warmupRuns  int
	debug       DebugLevel
	log         logger.Logger
	recorder    metrics.Recorder
	errLimiter  *rate.Limiter
	suppressed  int

	attrs      *AttributeCache
	attrValues []nnmodel.AttributeValue

	inRings  []*ringbuf.RingBuffer[float32]
	outRings []*ringbuf.RingBuffer[float32]
	inBlock  [][]float32
	outBlock [][]float32

	dataReady   *Signal
	resultReady *Signal
	stop        atomic.Bool
	loaded      atomic.Bool
	state       atomic.Int32
	done        chan struct{}
	loadErr     atomic.Pointer[error]

	backend nnmodel.Backend

	inferences atomic.Uint64
	failures   atomic.Uint64
	dispatches atomic.Uint64

	closeOnce sync.Once
}

// New allocates an engine and starts its worker. In synchronous mode the
// backend is opened and warmed up before New returns; otherwise the worker
// does it and the engine stays silent until it is done.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	e := &Engine{
		id:          uuid.NewString(),
		method:      opts.Method,
		path:        opts.ModelPath,
		loader:      opts.Loader,
		bufferSize:  opts.BufferSize,
		batches:     opts.Batches,
		synchronous: opts.Synchronous,
		warmupRuns:  opts.Warmup,
		debug:       opts.Debug,
		recorder:    opts.Recorder,
		errLimiter:  rate.NewLimiter(rate.Every(errorLogInterval), errorLogBurst),
		attrs:       NewAttributeCache(opts.Attributes),
		attrValues:  make([]nnmodel.AttributeValue, 0, len(opts.Attributes)),
		dataReady:   NewSignal(false),
		resultReady: NewSignal(true),
		done:        make(chan struct{}),
	}
	if e.recorder == nil {
		e.recorder = metrics.NoopRecorder{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().Module(componentEngine)
	}
	e.log = log.With(logger.String("engine_id", e.id), logger.String("method", e.method.Name))

	inChannels := e.method.InChannels * e.batches
	outChannels := e.method.OutChannels * e.batches
	var err error
	if e.inRings, err = allocRings(inChannels, e.bufferSize); err != nil {
		return nil, err
	}
	if e.outRings, err = allocRings(outChannels, outputBlocks*e.bufferSize); err != nil {
		return nil, err
	}
	e.inBlock = allocBlock(inChannels, e.bufferSize)
	e.outBlock = allocBlock(outChannels, e.bufferSize)
	e.state.Store(int32(StateIdle))

	e.logDetail("engine allocated",
		logger.Int("buffer_size", e.bufferSize),
		logger.Int("batches", e.batches),
		logger.Bool("synchronous", e.synchronous),
		logger.Int("in_channels", inChannels),
		logger.Int("out_channels", outChannels))

	if e.synchronous {
		defer close(e.done)
		if err := e.open(ctx); err != nil {
			e.state.Store(int32(StateStopped))
			return nil, err
		}
		e.loaded.Store(true)
		return e, nil
	}

	go e.run(ctx)
	return e, nil
}

func validateOptions(opts *Options) error {
	if err := opts.Method.Validate(); err != nil {
		return configError(err)
	}
	if opts.Loader == nil {
		return configError(errors.NewStd("model loader is required"))
	}
	if opts.BufferSize <= 0 {
		return configError(fmt.Errorf("buffer size must be positive, got %d", opts.BufferSize))
	}
	if opts.BufferSize%opts.Method.InRatio != 0 || opts.BufferSize%opts.Method.OutRatio != 0 {
		return configError(fmt.Errorf("buffer size %d is not a multiple of method %s ratios (in=%d, out=%d)",
			opts.BufferSize, opts.Method.Name, opts.Method.InRatio, opts.Method.OutRatio))
	}
	opts.Batches = max(1, opts.Batches)
	opts.Warmup = max(0, opts.Warmup)
	return nil
}

func configError(err error) error {
	return errors.New(err).
		Component(componentEngine).
		Category(errors.CategoryConfiguration).
		Build()
}

func allocRings(channels, capacity int) ([]*ringbuf.RingBuffer[float32], error) {
	rings := make([]*ringbuf.RingBuffer[float32], channels)
	for i := range rings {
		rb, err := ringbuf.New[float32](capacity)
		if err != nil {
			return nil, errors.New(err).
				Component(componentEngine).
				Category(errors.CategoryResource).
				Context("channels", channels).
				Context("capacity", capacity).
				Build()
		}
		rings[i] = rb
	}
	return rings, nil
}

func allocBlock(channels, size int) [][]float32 {
	backing := make([]float32, channels*size)
	block := make([][]float32, channels)
	for i := range block {
		block[i] = backing[i*size : (i+1)*size : (i+1)*size]
	}
	return block
}

// ID returns the engine's unique id.
func (e *Engine) ID() string { return e.id }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	if e == nil {
		return StateUnbound
	}
	return State(e.state.Load())
}

// Loaded reports whether the backend is open and warmed up.
func (e *Engine) Loaded() bool { return e != nil && e.loaded.Load() }

// LoadErr returns the error that kept the worker from loading the backend.
func (e *Engine) LoadErr() error {
	if p := e.loadErr.Load(); p != nil {
		return *p
	}
	return nil
}

// BufferSize returns the model block length in samples per channel.
func (e *Engine) BufferSize() int { return e.bufferSize }

// Synchronous reports whether inference runs inline.
func (e *Engine) Synchronous() bool { return e.synchronous }

// Attributes returns the attribute cache fed by the audio thread.
func (e *Engine) Attributes() *AttributeCache { return e.attrs }

// InChannels returns the number of input channels Push expects.
func (e *Engine) InChannels() int { return len(e.inRings) }

// OutChannels returns the number of output channels Pull fills.
func (e *Engine) OutChannels() int { return len(e.outRings) }

// Done is closed when the worker has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// run is the worker goroutine.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	if err := e.open(ctx); err != nil {
		e.loadErr.Store(&err)
		return
	}
	defer e.closeBackend()

	if e.stop.Load() {
		return
	}
	e.loaded.Store(true)
	e.logDetail("worker ready")

	for {
		e.dataReady.Wait()
		if e.stop.Load() {
			return
		}
		e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning))
		e.infer()
		e.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))
		e.resultReady.Raise()
	}
}

// open loads the backend and runs warmup. Worker only, or New in
// synchronous mode.
func (e *Engine) open(ctx context.Context) error {
	e.logDetail("loading model", logger.String("path", e.path))
	start := time.Now()

	backend, err := e.loader.Load(ctx, e.path)
	if err != nil {
		e.log.Error("failed to load model", logger.String("path", e.path), logger.Error(err))
		e.recorder.RecordOperation("engine_load", "error")
		return errors.New(err).
			Component(componentEngine).
			Category(errors.CategoryModelLoad).
			Context("path", e.path).
			Build()
	}
	if _, ok := nnmodel.FindMethod(backend.Methods(), e.method.Name); !ok {
		_ = backend.Close()
		err := errors.Newf("model %s has no method %s", e.path, e.method.Name).
			Component(componentEngine).
			Category(errors.CategoryNotFound).
			Build()
		e.log.Error("method missing from backend", logger.Error(err))
		return err
	}
	e.backend = backend

	if e.warmupRuns > 0 {
		e.logDetail("warming up model", logger.Int("passes", e.warmupRuns))
		e.warmup(e.warmupRuns)
	}
	e.recorder.RecordOperation("engine_load", "success")
	e.recorder.RecordDuration("engine_load", time.Since(start).Seconds())
	e.logDetail("model ready", logger.String("path", e.path), logger.Duration("elapsed", time.Since(start)))
	return nil
}

// warmup runs n inferences on silence and discards the results.
func (e *Engine) warmup(n int) {
	for range n {
		if e.stop.Load() {
			return
		}
		clearBlock(e.inBlock)
		if err := e.safeInfer(e.inBlock, e.outBlock, nil); err != nil {
			e.log.Warn("warmup inference failed", logger.Error(err))
		}
	}
	clearBlock(e.inBlock)
	clearBlock(e.outBlock)
}

// infer runs one model block from inBlock into the output rings.
func (e *Engine) infer() {
	e.attrValues = e.attrs.Snapshot(e.attrValues[:0])

	start := time.Now()
	err := e.safeInfer(e.inBlock, e.outBlock, e.attrValues)
	elapsed := time.Since(start)
	e.recorder.RecordDuration("inference", elapsed.Seconds())

	if err != nil {
		e.failures.Add(1)
		e.recorder.RecordOperation("inference", "error")
		e.recorder.RecordError("inference", string(errors.CategoryInference))
		e.logInferenceError(err)
		return
	}
	for ch, rb := range e.outRings {
		rb.Write(e.outBlock[ch])
	}
	e.inferences.Add(1)
	e.recorder.RecordOperation("inference", "success")

	if e.debug >= DebugAttributes && len(e.attrValues) > 0 {
		e.echoAttributes()
	}
}

// safeInfer converts a backend panic into an error so a faulty model cannot
// take the worker down.
func (e *Engine) safeInfer(in, out [][]float32, attrs []nnmodel.AttributeValue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return e.backend.Infer(e.method, in, out, attrs)
}

func (e *Engine) logInferenceError(err error) {
	if !e.errLimiter.Allow() {
		e.suppressed++
		return
	}
	enhanced := errors.New(err).
		Component(componentEngine).
		Category(errors.CategoryInference).
		Context("method", e.method.Name).
		Build()
	e.log.Error("inference failed, frame dropped",
		logger.Error(enhanced),
		logger.Int("suppressed", e.suppressed),
		logger.Uint64("failures", e.failures.Load()))
	e.suppressed = 0
}

func (e *Engine) echoAttributes() {
	reader, ok := e.backend.(nnmodel.AttributeReader)
	for _, a := range e.attrValues {
		current := a.Value
		if ok {
			if v, found := reader.AttributeValue(a.Name); found {
				current = v
			}
		}
		e.log.Info("attribute set", logger.String("attribute", a.Name), logger.String("value", current))
	}
}

func (e *Engine) closeBackend() {
	if e.backend == nil {
		return
	}
	if err := e.backend.Close(); err != nil {
		e.log.Warn("failed to close backend", logger.Error(err))
	}
	e.backend = nil
}

// Push feeds one host block into the input rings, dispatching every complete
// model block the worker can accept. Samples that do not fit are refused and
// counted as overrun. Channels beyond the method's are ignored and the block
// length is that of the shortest used channel. Audio thread only; never blocks.
func (e *Engine) Push(in [][]float32) {
	if !e.Loaded() || e.stop.Load() || len(in) < len(e.inRings) || len(in) == 0 {
		return
	}
	n := len(in[0])
	for ch := range e.inRings {
		n = min(n, len(in[ch]))
	}
	written := 0
	for written < n {
		free := e.inRings[0].AvailableToWrite()
		if free == 0 {
			if e.dispatch() {
				continue
			}
			for ch, rb := range e.inRings {
				rb.Write(in[ch][written:n])
			}
			return
		}
		chunk := min(n-written, free)
		for ch, rb := range e.inRings {
			rb.Write(in[ch][written : written+chunk])
		}
		written += chunk
		e.dispatch()
	}
}

// dispatch hands one model block to the worker if a full block is buffered
// and the previous result has been delivered.
func (e *Engine) dispatch() bool {
	if e.inRings[0].AvailableToRead() < e.bufferSize {
		return false
	}
	if !e.synchronous && !e.resultReady.TryAcquire() {
		return false
	}
	for ch, rb := range e.inRings {
		rb.Read(e.inBlock[ch])
	}
	e.attrs.Publish()
	e.dispatches.Add(1)

	if e.synchronous {
		e.infer()
		return true
	}
	e.dataReady.Raise()
	return true
}

// Pull fills out from the output rings, zero-filling what is missing, and
// returns the number of missing samples on the first channel. Before the
// engine is loaded it yields silence. Audio thread only; never blocks.
func (e *Engine) Pull(out [][]float32) int {
	if len(out) == 0 {
		return 0
	}
	if !e.Loaded() || e.stop.Load() {
		clearBlock(out)
		return len(out[0])
	}
	missing := 0
	for ch := range out {
		if ch >= len(e.outRings) {
			clear(out[ch])
			continue
		}
		n := e.outRings[ch].ReadFull(out[ch])
		if ch == 0 {
			missing = len(out[ch]) - n
		}
	}
	return missing
}

// InputFill returns the input ring fill relative to the model block.
func (e *Engine) InputFill() float64 {
	if len(e.inRings) == 0 {
		return 0
	}
	return float64(e.inRings[0].AvailableToRead()) / float64(e.bufferSize)
}

// OutputFill returns the output ring fill relative to the model block.
func (e *Engine) OutputFill() float64 {
	if len(e.outRings) == 0 {
		return 0
	}
	return float64(e.outRings[0].AvailableToRead()) / float64(e.bufferSize)
}

// Stats returns a snapshot of the engine counters. Safe from any goroutine.
func (e *Engine) Stats() Stats {
	s := Stats{
		Inferences: e.inferences.Load(),
		Failures:   e.failures.Load(),
		Dispatches: e.dispatches.Load(),
		InputFill:  e.InputFill(),
		OutputFill: e.OutputFill(),
	}
	if len(e.inRings) > 0 {
		s.Overruns = e.inRings[0].Overruns()
	}
	if len(e.outRings) > 0 {
		s.Underruns = e.outRings[0].Underruns()
	}
	return s
}

// MetricsSnapshot implements metrics.StatsSource.
func (e *Engine) MetricsSnapshot() metrics.EngineSnapshot {
	s := e.Stats()
	return metrics.EngineSnapshot{
		Model:      filepath.Base(e.path),
		Method:     e.method.Name,
		Inferences: s.Inferences,
		Failures:   s.Failures,
		Overruns:   s.Overruns,
		Underruns:  s.Underruns,
		InputFill:  s.InputFill,
		OutputFill: s.OutputFill,
	}
}

// Close stops the worker and waits for it to exit. A backend call in
// progress is allowed to finish. Safe to call more than once.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		e.stop.Store(true)
		e.loaded.Store(false)
		if e.synchronous {
			e.closeBackend()
		} else {
			e.dataReady.Raise()
			<-e.done
		}
		// The worker may have finished loading after the first store.
		e.loaded.Store(false)
		e.state.Store(int32(StateStopped))
		e.logDetail("engine stopped",
			logger.Uint64("inferences", e.inferences.Load()),
			logger.Uint64("failures", e.failures.Load()))
	})
	return nil
}

// logDetail logs at info when debug is DebugAll or higher, else at debug.
func (e *Engine) logDetail(msg string, fields ...logger.Field) {
	if e.debug >= DebugAll {
		e.log.Info(msg, fields...)
		return
	}
	e.log.Debug(msg, fields...)
}

func clearBlock(block [][]float32) {
	for _, ch := range block {
		clear(ch)
	}
}
