package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/metrics"
	"github.com/tphakala/nnbridge/internal/nnmodel"
	"github.com/tphakala/nnbridge/internal/testutil"
)

const testModelPath = "models/test.tflite"

// newTestEngine starts an engine over b with a 16-sample buffer. mutate may
// adjust the options before the engine is created.
func newTestEngine(t *testing.T, b nnmodel.Backend, mutate func(*Options)) *Engine {
	t.Helper()

	loader := testutil.NewFakeLoader()
	loader.Register(testModelPath, func() nnmodel.Backend { return b })

	opts := Options{
		Method:     b.Methods()[0],
		ModelPath:  testModelPath,
		Loader:     loader,
		BufferSize: 16,
		Logger:     logger.NewDiscardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	e, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitLoaded(t *testing.T, e *Engine) {
	t.Helper()
	testutil.WaitFor(t, e.Loaded, testutil.DefaultTestTimeout, "engine did not load")
}

// waitIdle waits until the worker has delivered its result and accepts the
// next block. Only the test goroutine acquires resultReady, so peeking is safe.
func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	testutil.WaitFor(t, func() bool {
		if e.resultReady.TryAcquire() {
			e.resultReady.Raise()
			return true
		}
		return false
	}, testutil.DefaultTestTimeout, "worker did not become idle")
}

func filled(channels, n int, v float32) [][]float32 {
	block := make([][]float32, channels)
	for ch := range block {
		block[ch] = make([]float32, n)
		for i := range block[ch] {
			block[ch][i] = v
		}
	}
	return block
}

func ramp(from, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(from + i)
	}
	return out
}

func gated(b *testutil.FakeBackend) (open func()) {
	b.Gate = make(chan struct{})
	b.Entered = make(chan struct{}, 1)
	return sync.OnceFunc(func() { close(b.Gate) })
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()

	method := nnmodel.ModelMethod{Name: "forward", InChannels: 1, InRatio: 4, OutChannels: 1, OutRatio: 2}
	loader := testutil.NewFakeLoader()

	tests := []struct {
		name string
		opts Options
	}{
		{"missing loader", Options{Method: method, BufferSize: 16}},
		{"zero buffer", Options{Method: method, Loader: loader}},
		{"buffer not multiple of ratio", Options{Method: method, Loader: loader, BufferSize: 18}},
		{"invalid method", Options{Method: nnmodel.ModelMethod{Name: "x"}, Loader: loader, BufferSize: 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.opts.Logger = logger.NewDiscardLogger()
			e, err := New(context.Background(), tt.opts)
			require.Error(t, err)
			assert.Nil(t, e)
			assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
		})
	}
}

func TestDispatchWaitsForFullModelBlock(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	e := newTestEngine(t, b, func(o *Options) { o.BufferSize = 64 })
	waitLoaded(t, e)

	e.Push([][]float32{make([]float32, 63)})
	assert.Equal(t, uint64(0), e.Stats().Dispatches)
	assert.InDelta(t, 63.0/64.0, e.InputFill(), 1e-9)

	e.Push([][]float32{make([]float32, 1)})
	assert.Equal(t, uint64(1), e.Stats().Dispatches)
	assert.Zero(t, e.InputFill())

	testutil.WaitFor(t, func() bool { return b.CallCount() == 1 }, testutil.DefaultTestTimeout, "no inference")
	waitIdle(t, e)
	assert.Equal(t, 1, b.CallCount())
	assert.Equal(t, uint64(1), e.Stats().Inferences)
}

func TestRoundTripThroughWorker(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	b.Offset = 0.5
	e := newTestEngine(t, b, nil)
	waitLoaded(t, e)

	e.Push([][]float32{ramp(0, 16)})
	testutil.WaitFor(t, func() bool { return e.Stats().Inferences == 1 }, testutil.DefaultTestTimeout, "no inference")

	out := [][]float32{make([]float32, 16)}
	missing := e.Pull(out)
	assert.Zero(t, missing)

	want := ramp(0, 16)
	for i := range want {
		want[i] += 0.5
	}
	assert.Equal(t, want, out[0])
	assert.Zero(t, e.OutputFill())
}

func TestPushNeverWaitsForWorker(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	openGate := gated(b)
	e := newTestEngine(t, b, nil)
	t.Cleanup(openGate)
	waitLoaded(t, e)

	e.Push(filled(1, 16, 1))
	testutil.WaitForChannel(t, b.Entered, testutil.DefaultTestTimeout, "worker did not start inference")

	const blocks = 100
	done := testutil.Done(func() {
		out := [][]float32{make([]float32, 16)}
		for k := 2; k <= blocks; k++ {
			e.Push(filled(1, 16, float32(k)))
			e.Pull(out)
		}
	})
	testutil.WaitForChannel(t, done, testutil.ShortTestTimeout, "audio loop blocked on a busy worker")

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Dispatches)
	assert.Equal(t, uint64((blocks-2)*16), stats.Overruns, "only the block that fit was kept")
	assert.Equal(t, uint64((blocks-1)*16), stats.Underruns)

	openGate()
	waitIdle(t, e)

	// The buffered block is the second one; refused blocks never reach the model.
	e.Push(filled(1, 16, 0))
	testutil.WaitFor(t, func() bool { return b.CallCount() == 2 }, testutil.DefaultTestTimeout, "no second inference")
	assert.Equal(t, filled(1, 16, 2)[0], b.Calls()[1].Input[0])
}

func TestPullBeforeLoadIsSilent(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	release := make(chan struct{})
	loader := testutil.NewFakeLoader()
	loader.Register(testModelPath, func() nnmodel.Backend {
		<-release
		return b
	})

	e, err := New(context.Background(), Options{
		Method:     b.Methods()[0],
		ModelPath:  testModelPath,
		Loader:     loader,
		BufferSize: 16,
		Logger:     logger.NewDiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	assert.False(t, e.Loaded())
	e.Push(filled(1, 16, 3))
	out := filled(1, 8, 9)
	assert.Equal(t, 8, e.Pull(out))
	assert.Equal(t, make([]float32, 8), out[0])
	assert.Zero(t, e.Stats().Dispatches)

	close(release)
	waitLoaded(t, e)
}

func TestWarmupIsInvisible(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	b.Offset = 0.5
	e := newTestEngine(t, b, func(o *Options) { o.Warmup = 3 })
	waitLoaded(t, e)

	calls := b.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, make([]float32, 16), c.Input[0])
		assert.Empty(t, c.Attrs)
	}

	out := [][]float32{make([]float32, 16)}
	assert.Equal(t, 16, e.Pull(out), "warmup output never reaches the stream")
	assert.Equal(t, make([]float32, 16), out[0])

	e.Push(filled(1, 16, 1))
	testutil.WaitFor(t, func() bool { return e.Stats().Inferences == 1 }, testutil.DefaultTestTimeout, "no inference")
	assert.Zero(t, e.Pull(out))
	assert.Equal(t, filled(1, 16, 1.5)[0], out[0])
}

func TestFailedInferenceDropsFrame(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	b := testutil.NewFakeBackend(1, 1)
	b.SetError(fmt.Errorf("tensor mismatch"))
	e := newTestEngine(t, b, func(o *Options) { o.Recorder = rec })
	waitLoaded(t, e)

	e.Push(filled(1, 16, 1))
	testutil.WaitFor(t, func() bool { return e.Stats().Failures == 1 }, testutil.DefaultTestTimeout, "no failure")
	waitIdle(t, e)

	b.SetError(nil)
	e.Push(filled(1, 16, 2))
	testutil.WaitFor(t, func() bool { return e.Stats().Inferences == 1 }, testutil.DefaultTestTimeout, "worker stalled after failure")

	out := [][]float32{make([]float32, 32)}
	assert.Equal(t, 16, e.Pull(out), "only the good frame is delivered")
	assert.Equal(t, filled(1, 16, 2)[0], out[0][:16])

	assert.Equal(t, 1, rec.OperationCount("inference", "error"))
	assert.Equal(t, 1, rec.OperationCount("inference", "success"))
	assert.Equal(t, 1, rec.ErrorCount("inference", string(errors.CategoryInference)))
}

type panicBackend struct {
	*testutil.FakeBackend
}

func (p panicBackend) Infer(nnmodel.ModelMethod, [][]float32, [][]float32, []nnmodel.AttributeValue) error {
	panic("interpreter crashed")
}

func TestBackendPanicIsContained(t *testing.T) {
	t.Parallel()

	b := panicBackend{testutil.NewFakeBackend(1, 1)}
	e := newTestEngine(t, b, nil)
	waitLoaded(t, e)

	e.Push(filled(1, 16, 1))
	testutil.WaitFor(t, func() bool { return e.Stats().Failures == 1 }, testutil.DefaultTestTimeout, "panic not recorded")
	waitIdle(t, e)
	require.NoError(t, e.Close())
	assert.Equal(t, 1, b.CloseCount())
}

func TestCloseWaitsForInferenceInFlight(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	openGate := gated(b)
	e := newTestEngine(t, b, nil)
	t.Cleanup(openGate)
	waitLoaded(t, e)

	e.Push(filled(1, 16, 1))
	testutil.WaitForChannel(t, b.Entered, testutil.DefaultTestTimeout, "worker did not start inference")
	// Second block stays buffered; the worker must not run it during teardown.
	e.Push(filled(1, 16, 2))

	closed := testutil.Done(func() { _ = e.Close() })
	testutil.WaitFor(t, e.stop.Load, testutil.DefaultTestTimeout, "stop not requested")

	select {
	case <-closed:
		t.Fatal("Close returned while the backend was still running")
	case <-time.After(20 * time.Millisecond):
	}

	openGate()
	testutil.WaitForChannel(t, closed, testutil.DefaultTestTimeout, "Close did not join the worker")

	assert.Equal(t, 1, b.CallCount())
	assert.Equal(t, 1, b.CloseCount())
	assert.Equal(t, StateStopped, e.State())
	assert.False(t, e.Loaded())

	out := filled(1, 16, 9)
	assert.Equal(t, 16, e.Pull(out))
	assert.Equal(t, make([]float32, 16), out[0])
}

func TestCloseDuringLoadSkipsWarmup(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	release := make(chan struct{})
	loader := testutil.NewFakeLoader()
	loader.Register(testModelPath, func() nnmodel.Backend {
		<-release
		return b
	})

	e, err := New(context.Background(), Options{
		Method:     b.Methods()[0],
		ModelPath:  testModelPath,
		Loader:     loader,
		BufferSize: 16,
		Warmup:     2,
		Logger:     logger.NewDiscardLogger(),
	})
	require.NoError(t, err)

	closed := testutil.Done(func() { _ = e.Close() })
	testutil.WaitFor(t, e.stop.Load, testutil.DefaultTestTimeout, "stop not requested")
	close(release)
	testutil.WaitForChannel(t, closed, testutil.DefaultTestTimeout, "Close did not return")

	assert.Zero(t, b.CallCount())
	assert.Equal(t, 1, b.CloseCount())
	assert.False(t, e.Loaded())
	require.NoError(t, e.Close())
}

func TestWorkerLoadFailure(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	e, err := New(context.Background(), Options{
		Method:     b.Methods()[0],
		ModelPath:  "missing.tflite",
		Loader:     testutil.NewFakeLoader(),
		BufferSize: 16,
		Logger:     logger.NewDiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	testutil.WaitForChannel(t, e.Done(), testutil.DefaultTestTimeout, "worker did not exit")
	require.Error(t, e.LoadErr())
	assert.True(t, errors.IsCategory(e.LoadErr(), errors.CategoryModelLoad))
	assert.False(t, e.Loaded())

	out := filled(1, 4, 9)
	e.Push(filled(1, 16, 1))
	assert.Equal(t, 4, e.Pull(out))
	assert.Equal(t, make([]float32, 4), out[0])
}

func TestWorkerRejectsBackendWithoutMethod(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	method := nnmodel.ModelMethod{Name: "decode", InChannels: 1, InRatio: 1, OutChannels: 1, OutRatio: 1}
	e := newTestEngine(t, b, func(o *Options) { o.Method = method })

	testutil.WaitForChannel(t, e.Done(), testutil.DefaultTestTimeout, "worker did not exit")
	assert.True(t, errors.IsNotFound(e.LoadErr()))
	assert.Equal(t, 1, b.CloseCount())
}

func TestSynchronousMode(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	b := testutil.NewFakeBackend(1, 1)
	b.Offset = 1
	e := newTestEngine(t, b, func(o *Options) {
		o.Synchronous = true
		o.BufferSize = 4
		o.Recorder = rec
	})

	require.True(t, e.Loaded(), "synchronous engines load in New")
	require.True(t, e.Synchronous())
	testutil.WaitForChannel(t, e.Done(), testutil.ShortTestTimeout, "synchronous engine has no worker")

	out := [][]float32{make([]float32, 4)}
	e.Push([][]float32{ramp(1, 6)})
	assert.Zero(t, e.Pull(out))
	assert.Equal(t, []float32{2, 3, 4, 5}, out[0])

	e.Push([][]float32{ramp(7, 2)})
	assert.Zero(t, e.Pull(out))
	assert.Equal(t, []float32{6, 7, 8, 9}, out[0])

	assert.Equal(t, 2, rec.OperationCount("inference", "success"))
	assert.Equal(t, 1, rec.OperationCount("engine_load", "success"))

	require.NoError(t, e.Close())
	assert.Equal(t, 1, b.CloseCount())
}

func TestPushUsesShortestChannel(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testutil.NewFakeBackend(2, 2), func(o *Options) {
		o.Synchronous = true
		o.BufferSize = 4
	})

	out := [][]float32{make([]float32, 4), make([]float32, 4)}
	require.NotPanics(t, func() { e.Push([][]float32{ramp(1, 4), ramp(11, 2)}) })
	assert.Equal(t, 0.5, e.InputFill(), "only the common length is queued")

	e.Push([][]float32{ramp(3, 2), ramp(13, 2), ramp(100, 2)})
	assert.Zero(t, e.Pull(out))
	assert.Equal(t, []float32{1, 2, 3, 4}, out[0])
	assert.Equal(t, []float32{11, 12, 13, 14}, out[1])
}

func TestSynchronousLoadFailure(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	e, err := New(context.Background(), Options{
		Method:      b.Methods()[0],
		ModelPath:   "missing.tflite",
		Loader:      testutil.NewFakeLoader(),
		BufferSize:  4,
		Synchronous: true,
		Logger:      logger.NewDiscardLogger(),
	})
	require.Error(t, err)
	assert.Nil(t, e)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelLoad))
}

func TestBatchesMultiplyChannels(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	e := newTestEngine(t, b, func(o *Options) {
		o.Synchronous = true
		o.BufferSize = 4
		o.Batches = 2
	})
	assert.Equal(t, 2, e.InChannels())
	assert.Equal(t, 2, e.OutChannels())

	e.Push([][]float32{ramp(0, 4), ramp(10, 4)})
	out := [][]float32{make([]float32, 4), make([]float32, 4)}
	assert.Zero(t, e.Pull(out))
	assert.Equal(t, ramp(0, 4), out[0])
	assert.Equal(t, ramp(10, 4), out[1])
}

func TestAttributesReachBackendOnce(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	b.AttributeList = []nnmodel.AttributeDescriptor{{Name: "gain", Kind: nnmodel.KindDouble}}
	e := newTestEngine(t, b, func(o *Options) {
		o.Synchronous = true
		o.BufferSize = 4
		o.Attributes = b.AttributeList
		o.Debug = DebugAttributes
	})

	e.Attributes().Update(0, 0.25, 1)
	e.Push(filled(1, 4, 0))
	e.Attributes().Update(0, 0.5, 1)
	e.Push(filled(1, 4, 0))

	calls := b.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []nnmodel.AttributeValue{{Name: "gain", Value: "0.250000", Kind: nnmodel.KindDouble}}, calls[0].Attrs)
	assert.Empty(t, calls[1].Attrs)

	v, ok := b.AttributeValue("gain")
	assert.True(t, ok)
	assert.Equal(t, "0.250000", v)
}

func TestMetricsSnapshot(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBackend(1, 1)
	e := newTestEngine(t, b, func(o *Options) {
		o.Synchronous = true
		o.BufferSize = 4
	})

	e.Push(filled(1, 6, 1))
	e.Pull([][]float32{make([]float32, 8)})

	snap := e.MetricsSnapshot()
	assert.Equal(t, "test.tflite", snap.Model)
	assert.Equal(t, "forward", snap.Method)
	assert.Equal(t, uint64(1), snap.Inferences)
	assert.Equal(t, uint64(4), snap.Underruns)
	assert.InDelta(t, 0.5, snap.InputFill, 1e-9)
	assert.Zero(t, snap.OutputFill)
}

func TestNilEngine(t *testing.T) {
	t.Parallel()

	var e *Engine
	assert.Equal(t, StateUnbound, e.State())
	assert.False(t, e.Loaded())
	assert.NoError(t, e.Close())
	assert.Equal(t, "running", StateRunning.String())
}
