package bench

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/nnbridge/internal/app"
	"github.com/tphakala/nnbridge/internal/conf"
	"github.com/tphakala/nnbridge/internal/engine"
	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/nnmodel"
)

// Options configures a benchmark run.
type Options struct {
	Loader     nnmodel.Loader
	Path       string
	Method     nnmodel.ModelMethod
	BufferSize int
	Batches    int
	Warmup     int
	Runs       int
	SampleRate int
	Logger     logger.Logger
}

// Result summarizes the timed inferences.
type Result struct {
	Runs           int
	Failures       uint64
	Mean           time.Duration
	P95            time.Duration
	Min            time.Duration
	Max            time.Duration
	BlockDuration  time.Duration // audio covered by one inference
	RealtimeFactor float64       // BlockDuration / Mean, above 1 keeps up with real time
}

// Command creates the bench command.
func Command(_ *viper.Viper, settings *conf.Settings) *cobra.Command {
	var runs int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time inference of the bound model method",
		Long: `Load the bound model method, warm it up and time synchronous inferences
of one model buffer each. Reports the mean and 95th percentile inference time
and the real-time factor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runs < 1 || runs > 100000 {
				return fmt.Errorf("runs must be between 1 and 100000, got %d", runs)
			}
			return run(cmd.Context(), settings, runs, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&runs, "runs", "n", 100, "Number of timed inferences")
	return cmd
}

func run(ctx context.Context, settings *conf.Settings, runs int, w io.Writer) error {
	log := logger.Global().Module("bench")
	a, err := app.New(ctx, app.Options{Settings: settings, Fs: afero.NewOsFs(), Logger: log})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	desc, ok := a.Registry.Get(settings.Engine.Model)
	if !ok {
		return errors.Newf("no model loaded at id %d, use --model or the models config section", settings.Engine.Model).
			Component("bench").
			Category(errors.CategoryNotFound).
			Build()
	}
	method, ok := desc.Method(settings.Engine.Method)
	if !ok {
		return errors.Newf("model %d has no method %d", settings.Engine.Model, settings.Engine.Method).
			Component("bench").
			Category(errors.CategoryNotFound).
			Build()
	}
	res := engine.ResolveBufferSize(settings.Engine.BufferSize, desc.MinBufferSize(), settings.Engine.BlockSize)

	fmt.Fprintf(w, "Model:   %s (method %s)\n", desc.Path(), method.Name)
	fmt.Fprintf(w, "Buffer:  %d frames x %d batch(es)\n", res.Size, max(settings.Engine.Batches, 1))

	result, err := Run(ctx, Options{
		Loader:     a.Loader,
		Path:       desc.Path(),
		Method:     method,
		BufferSize: res.Size,
		Batches:    settings.Engine.Batches,
		Warmup:     settings.Engine.Warmup,
		Runs:       runs,
		SampleRate: settings.Engine.SampleRate,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	Print(w, result)
	return nil
}

// Run times opts.Runs inferences through a synchronous engine.
func Run(ctx context.Context, opts Options) (Result, error) {
	timer := &timingRecorder{}
	eng, err := engine.New(ctx, engine.Options{
		Method:      opts.Method,
		ModelPath:   opts.Path,
		Loader:      opts.Loader,
		BufferSize:  opts.BufferSize,
		Synchronous: true,
		Batches:     opts.Batches,
		Warmup:      opts.Warmup,
		Logger:      opts.Logger,
		Recorder:    timer,
	})
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = eng.Close() }()

	in := make([][]float32, eng.InChannels())
	for ch := range in {
		in[ch] = make([]float32, opts.BufferSize)
		for i := range in[ch] {
			in[ch][i] = rand.Float32()*2 - 1 //nolint:gosec // test signal
		}
	}
	out := make([][]float32, eng.OutChannels())
	for ch := range out {
		out[ch] = make([]float32, opts.BufferSize)
	}

	timer.reset()
	for range opts.Runs {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		eng.Push(in)
		eng.Pull(out)
	}

	result := summarize(timer.samples(), opts.BufferSize, opts.SampleRate)
	result.Failures = eng.Stats().Failures
	return result, nil
}

func summarize(durations []time.Duration, bufferSize, sampleRate int) Result {
	r := Result{Runs: len(durations)}
	if sampleRate > 0 {
		r.BlockDuration = time.Duration(float64(bufferSize) / float64(sampleRate) * float64(time.Second))
	}
	if len(durations) == 0 {
		return r
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	r.Mean = total / time.Duration(len(sorted))
	r.Min = sorted[0]
	r.Max = sorted[len(sorted)-1]
	r.P95 = sorted[int(math.Ceil(0.95*float64(len(sorted))))-1]
	if r.Mean > 0 {
		r.RealtimeFactor = float64(r.BlockDuration) / float64(r.Mean)
	}
	return r
}

// Print writes a result table.
func Print(w io.Writer, r Result) {
	fmt.Fprintf(w, "\nRuns     Mean         P95          Min          Max          RT factor\n")
	fmt.Fprintf(w, "───────  ───────────  ───────────  ───────────  ───────────  ─────────\n")
	fmt.Fprintf(w, "%-7d  %-11s  %-11s  %-11s  %-11s  %.1fx\n",
		r.Runs, r.Mean.Round(time.Microsecond), r.P95.Round(time.Microsecond),
		r.Min.Round(time.Microsecond), r.Max.Round(time.Microsecond), r.RealtimeFactor)
	if r.Failures > 0 {
		fmt.Fprintf(w, "\n%d inference(s) failed\n", r.Failures)
	}
	switch {
	case r.BlockDuration == 0:
	case r.RealtimeFactor >= 1:
		fmt.Fprintf(w, "\nKeeps up with real time: one inference covers %s of audio\n", r.BlockDuration.Round(time.Microsecond))
	default:
		fmt.Fprintf(w, "\nToo slow for real time: one inference covers %s of audio\n", r.BlockDuration.Round(time.Microsecond))
	}
}

// timingRecorder collects inference durations reported by the engine.
type timingRecorder struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (r *timingRecorder) RecordOperation(string, string) {}

func (r *timingRecorder) RecordError(string, string) {}

func (r *timingRecorder) RecordDuration(operation string, seconds float64) {
	if operation != "inference" {
		return
	}
	r.mu.Lock()
	r.durations = append(r.durations, time.Duration(seconds*float64(time.Second)))
	r.mu.Unlock()
}

func (r *timingRecorder) reset() {
	r.mu.Lock()
	r.durations = r.durations[:0]
	r.mu.Unlock()
}

func (r *timingRecorder) samples() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.durations)
}
