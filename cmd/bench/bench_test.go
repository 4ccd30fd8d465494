package bench

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/nnbridge/internal/backend"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/nnmodel"
)

func TestRunBuiltinModel(t *testing.T) {
	t.Parallel()

	log := logger.NewDiscardLogger()
	loader := backend.NewLoader(backend.Options{Fs: afero.NewMemMapFs(), Logger: log})
	probe, err := loader.Load(context.Background(), "builtin:envelope")
	require.NoError(t, err)
	method := probe.Methods()[0]
	require.NoError(t, probe.Close())

	r, err := Run(context.Background(), Options{
		Loader:     loader,
		Path:       "builtin:envelope",
		Method:     method,
		BufferSize: nnmodel.MinBufferSize([]nnmodel.ModelMethod{method}),
		Batches:    2,
		Warmup:     3,
		Runs:       10,
		SampleRate: 48000,
		Logger:     log,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, r.Runs, "warmup runs are not timed")
	assert.Zero(t, r.Failures)
	assert.LessOrEqual(t, r.Min, r.P95)
	assert.LessOrEqual(t, r.P95, r.Max)
	assert.Equal(t, time.Duration(float64(backend.EnvelopeRatio)/48000*float64(time.Second)), r.BlockDuration)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	loader := backend.NewLoader(backend.Options{Fs: afero.NewMemMapFs(), Logger: logger.NewDiscardLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	method := nnmodel.ModelMethod{Name: "forward", InChannels: 1, InRatio: 1, OutChannels: 1, OutRatio: 1}

	cancel()
	_, err := Run(ctx, Options{Loader: loader, Path: "builtin:identity", Method: method, BufferSize: 8, Runs: 5})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	durations := make([]time.Duration, 0, 20)
	for i := 20; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	r := summarize(durations, 4800, 48000)

	assert.Equal(t, 20, r.Runs)
	assert.Equal(t, 10500*time.Microsecond, r.Mean)
	assert.Equal(t, 19*time.Millisecond, r.P95)
	assert.Equal(t, time.Millisecond, r.Min)
	assert.Equal(t, 20*time.Millisecond, r.Max)
	assert.Equal(t, 100*time.Millisecond, r.BlockDuration)
	assert.InDelta(t, 100.0/10.5, r.RealtimeFactor, 1e-9)

	empty := summarize(nil, 64, 0)
	assert.Zero(t, empty.Runs)
	assert.Zero(t, empty.BlockDuration)
}

func TestPrint(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	Print(&buf, Result{Runs: 3, Mean: time.Millisecond, BlockDuration: 10 * time.Millisecond, RealtimeFactor: 10, Failures: 1})
	out := buf.String()
	assert.Contains(t, out, "10.0x")
	assert.Contains(t, out, "1 inference(s) failed")
	assert.Contains(t, out, "Keeps up with real time")
}
