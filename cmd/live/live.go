package live

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/nnbridge/internal/app"
	"github.com/tphakala/nnbridge/internal/conf"
	"github.com/tphakala/nnbridge/internal/device"
	"github.com/tphakala/nnbridge/internal/engine"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/metrics"
	"github.com/tphakala/nnbridge/internal/tap"
)

const (
	statusInterval  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// flagBindings maps config keys to the live command flags.
var flagBindings = map[string]string{
	"audio.capture":     "capture",
	"audio.playback":    "playback",
	"audio.inchannels":  "in-channels",
	"audio.outchannels": "out-channels",
	"engine.samplerate": "sample-rate",
	"audio.record":      "record",
	"metrics.enabled":   "metrics",
	"metrics.listen":    "listen",
}

// Command creates the live command for processing a duplex audio device.
func Command(v *viper.Viper, settings *conf.Settings) *cobra.Command {
	var controls []float32
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Process a live audio device through a model",
		Long: `Open a full-duplex audio device and run every captured block through the
bridge to the playback device until interrupted. The device callback is the
audio thread; inference runs on a worker unless the engine is not threaded.`,
		Args: cobra.NoArgs,
	}

	flagErr := setupFlags(cmd, v, &controls, flagBindings)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if flagErr != nil {
			return flagErr
		}
		return run(cmd.Context(), settings, controls)
	}
	return cmd
}

// setupFlags defines the live flags and binds them to v.
func setupFlags(cmd *cobra.Command, v *viper.Viper, controls *[]float32, bindings map[string]string) error {
	cmd.Flags().String("capture", "", "Capture device: name, id or index (default device if empty)")
	cmd.Flags().String("playback", "", "Playback device: name, id or index (default device if empty)")
	cmd.Flags().Int("in-channels", 2, "Captured channels")
	cmd.Flags().Int("out-channels", 2, "Played channels")
	cmd.Flags().Int("sample-rate", conf.DefaultSampleRate, "Device sample rate")
	cmd.Flags().String("record", "", "Record the processed output to this WAV file")
	cmd.Flags().Bool("metrics", false, "Serve Prometheus metrics")
	cmd.Flags().String("listen", conf.DefaultMetricsListen, "Metrics listen address")
	cmd.Flags().Float32SliceVar(controls, "set", nil, "Values for the bound attributes, in --attributes order")

	return conf.BindFlags(v, cmd.Flags(), bindings)
}

func run(ctx context.Context, settings *conf.Settings, controls []float32) error {
	log := logger.Global().Module("live")

	var promRegistry *prometheus.Registry
	if settings.Metrics.Enabled {
		promRegistry = prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	a, err := app.New(ctx, app.Options{
		Settings:   settings,
		Fs:         afero.NewOsFs(),
		Logger:     log,
		Prometheus: promRegistry,
	})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	bridge := a.NewBridge(ctx, app.Host{
		InChannels:  settings.Audio.InChannels,
		OutChannels: settings.Audio.OutChannels,
	})
	defer func() { _ = bridge.Close() }()
	if err := bridge.BindError(); err != nil {
		return err
	}

	var rec device.Recorder
	if settings.Audio.Record != "" {
		t, err := tap.New(tap.Options{
			Path:       settings.Audio.Record,
			SampleRate: settings.Engine.SampleRate,
			Channels:   settings.Audio.OutChannels,
			BitDepth:   settings.Audio.BitDepth,
			Seconds:    settings.Audio.RecordSeconds,
			BlockSize:  settings.Engine.BlockSize,
			Fs:         a.Fs,
			Logger:     log.Module("tap"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = t.Close() }()
		rec = t
	}

	dev, err := device.Open(device.Config{
		Capture:     settings.Audio.Capture,
		Playback:    settings.Audio.Playback,
		SampleRate:  settings.Engine.SampleRate,
		InChannels:  settings.Audio.InChannels,
		OutChannels: settings.Audio.OutChannels,
		BlockSize:   settings.Engine.BlockSize,
		Controls:    len(settings.Engine.Attributes),
		Logger:      log.Module("device"),
	}, bridge, rec)
	if err != nil {
		return err
	}
	// Deferred calls run in reverse: the device stops before the tap and
	// the bridge it feeds are closed.
	defer func() { _ = dev.Close() }()

	for i, value := range controls {
		if !dev.SetControl(i, value, 1) {
			log.Warn("more --set values than bound attributes", logger.Int("index", i))
		}
	}

	if err := dev.Start(); err != nil {
		return err
	}
	log.Info("live processing started, press Ctrl+C to stop",
		logger.Int("block_size", settings.Engine.BlockSize),
		logger.Int("buffer_size", bridge.Engine().BufferSize()))

	g, gctx := errgroup.WithContext(ctx)
	if promRegistry != nil {
		srv := metrics.NewServer(settings.Metrics.Listen, promRegistry)
		g.Go(func() error {
			log.Info("serving metrics", logger.String("listen", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		return monitor(gctx, bridge, dev, log)
	})

	err = g.Wait()
	log.Info("live processing stopped", logger.Uint64("blocks", dev.Blocks()))
	return err
}

// monitor logs engine counters periodically and stops the run when the
// worker fails to load the model.
func monitor(ctx context.Context, bridge *engine.Bridge, dev *device.Duplex, log logger.Logger) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	eng := bridge.Engine()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-eng.Done():
			if err := bridge.BindError(); err != nil {
				return err
			}
			return nil
		case <-ticker.C:
			s := eng.Stats()
			log.Info("status",
				logger.Uint64("blocks", dev.Blocks()),
				logger.Uint64("inferences", s.Inferences),
				logger.Uint64("dropped_frames", s.Failures),
				logger.Uint64("overruns", s.Overruns),
				logger.Uint64("underruns", s.Underruns),
				logger.Float64("input_fill", s.InputFill),
				logger.Float64("output_fill", s.OutputFill))
		}
	}
}
