package render

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/nnbridge/internal/app"
	"github.com/tphakala/nnbridge/internal/audiofile"
	"github.com/tphakala/nnbridge/internal/conf"
	"github.com/tphakala/nnbridge/internal/engine"
	"github.com/tphakala/nnbridge/internal/logger"
)

// Processor runs one host block.
type Processor interface {
	Process(blk engine.Block)
}

// Options controls an offline render.
type Options struct {
	BlockSize   int
	OutChannels int       // 0 keeps the input channel count
	Latency     int       // leading output frames dropped to align output with input
	Controls    []float32 // constant attribute values, latched on the first block
}

// Command creates the render command for processing a WAV file offline.
func Command(v *viper.Viper, settings *conf.Settings) *cobra.Command {
	var (
		outChannels int
		controls    []float32
		raw         bool
	)
	cmd := &cobra.Command{
		Use:   "render [input.wav] [output.wav]",
		Short: "Process a WAV file through a model",
		Long: `Feed a WAV file through the bridge block by block, exactly as an audio
host would, and write the result. Inference runs synchronously so the output
is deterministic; the model latency is removed unless --raw is set.`,
		Args: cobra.ExactArgs(2),
	}

	cmd.Flags().IntVar(&outChannels, "out-channels", 0, "Output channels, 0 uses the model's output channel count")
	cmd.Flags().Float32SliceVar(&controls, "set", nil, "Values for the bound attributes, in --attributes order")
	cmd.Flags().BoolVar(&raw, "raw", false, "Keep the model latency at the start of the output")
	cmd.Flags().Int("bit-depth", 16, "Output bit depth: 16, 24 or 32")
	flagErr := conf.BindFlags(v, cmd.Flags(), map[string]string{"audio.bitdepth": "bit-depth"})

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if flagErr != nil {
			return flagErr
		}
		return run(cmd.Context(), settings, args[0], args[1], outChannels, controls, raw)
	}
	return cmd
}

func run(ctx context.Context, settings *conf.Settings, inPath, outPath string, outChannels int, controls []float32, raw bool) error {
	log := logger.Global().Module("render")
	fs := afero.NewOsFs()

	src, err := audiofile.ReadFile(fs, inPath)
	if err != nil {
		return err
	}
	if src.SampleRate != settings.Engine.SampleRate {
		log.Warn("input sample rate differs from the configured rate, audio is not resampled",
			logger.Int("input", src.SampleRate),
			logger.Int("configured", settings.Engine.SampleRate))
	}

	offline := *settings
	offline.Engine.Threaded = false

	a, err := app.New(ctx, app.Options{Settings: &offline, Fs: fs, Logger: log})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	b := a.NewBridge(ctx, app.Host{InChannels: len(src.Channels), OutChannels: outChannels})
	defer func() { _ = b.Close() }()
	if err := b.BindError(); err != nil {
		return err
	}
	if outChannels <= 0 {
		outChannels = b.Engine().OutChannels()
	}

	opts := Options{
		BlockSize:   offline.Engine.BlockSize,
		OutChannels: outChannels,
		Controls:    controls,
	}
	if !raw {
		opts.Latency = Latency(b.Engine().BufferSize(), offline.Engine.BlockSize)
	}

	start := time.Now()
	out := Render(b, src, opts)
	elapsed := time.Since(start)

	if err := audiofile.WriteFile(fs, outPath, out, settings.Audio.BitDepth); err != nil {
		return err
	}

	stats := b.Engine().Stats()
	log.Info("render complete",
		logger.String("input", inPath),
		logger.String("output", outPath),
		logger.Int("frames", out.Frames()),
		logger.Uint64("inferences", stats.Inferences),
		logger.Uint64("dropped_frames", stats.Failures),
		logger.Duration("elapsed", elapsed))
	fmt.Printf("Rendered %.2fs of audio in %s (%.1fx real time)\n",
		src.Duration(), elapsed.Round(time.Millisecond), src.Duration()/max(elapsed.Seconds(), 1e-9))
	return nil
}

// Latency returns the frames a synchronous bridge delays its output by: the
// model buffer fills one host block at a time and the result is read back in
// the block that completes it.
func Latency(bufferSize, blockSize int) int {
	return max(bufferSize-blockSize, 0)
}

// Render drives proc over src in host blocks and returns its output. The last
// partial block is zero padded; Latency extra frames are processed and the
// first Latency output frames are dropped.
func Render(proc Processor, src *audiofile.Audio, opts Options) *audiofile.Audio {
	inChannels := len(src.Channels)
	outChannels := opts.OutChannels
	if outChannels <= 0 {
		outChannels = inChannels
	}
	frames := src.Frames()
	total := frames + opts.Latency

	out := &audiofile.Audio{SampleRate: src.SampleRate, Channels: make([][]float32, outChannels)}
	for ch := range out.Channels {
		out.Channels[ch] = make([]float32, 0, frames)
	}

	in := make([][]float32, inChannels)
	for ch := range in {
		in[ch] = make([]float32, opts.BlockSize)
	}
	block := make([][]float32, outChannels)
	for ch := range block {
		block[ch] = make([]float32, opts.BlockSize)
	}
	ctrl := make([]engine.Control, len(opts.Controls))
	for i, value := range opts.Controls {
		ctrl[i] = engine.Control{Value: value, Trigger: 1}
	}

	for pos := 0; pos < total; pos += opts.BlockSize {
		for ch := range in {
			n := 0
			if pos < frames {
				n = copy(in[ch], src.Channels[ch][pos:min(pos+opts.BlockSize, frames)])
			}
			clear(in[ch][n:])
		}
		proc.Process(engine.Block{In: in, Controls: ctrl, Out: block})

		// Skip the latency, keep at most the source length.
		from := max(opts.Latency-pos, 0)
		keep := min(opts.BlockSize, frames+opts.Latency-pos)
		if from >= keep {
			continue
		}
		for ch := range block {
			out.Channels[ch] = append(out.Channels[ch], block[ch][from:keep]...)
		}
	}
	return out
}
