package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/nnbridge/cmd/bench"
	"github.com/tphakala/nnbridge/cmd/live"
	"github.com/tphakala/nnbridge/cmd/query"
	"github.com/tphakala/nnbridge/cmd/render"
	"github.com/tphakala/nnbridge/internal/buildinfo"
	"github.com/tphakala/nnbridge/internal/conf"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/telemetry"
)

const telemetryFlushTimeout = 2 * time.Second

// RootCommand creates and returns the root command
func RootCommand(build *buildinfo.Context) *cobra.Command {
	v := conf.New()
	settings := &conf.Settings{}
	var (
		configFile string
		modelPath  string
		central    *logger.CentralLogger
	)

	rootCmd := &cobra.Command{
		Use:           "nnbridge",
		Short:         "Run neural network models on real-time audio",
		Version:       build.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(build.String() + "\n")

	flagErr := setupFlags(rootCmd, v, &configFile, &modelPath)

	rootCmd.AddCommand(
		render.Command(v, settings),
		live.Command(v, settings),
		query.Command(v, settings),
		bench.Command(v, settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if flagErr != nil {
			return flagErr
		}
		loaded, err := conf.Load(v, afero.NewOsFs(), configFile)
		if err != nil {
			return err
		}
		*settings = *loaded
		addModelFlag(settings, modelPath)

		central, err = logger.NewCentralLogger(&settings.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logger.SetGlobal(central)

		return telemetry.Init(telemetry.Config{
			Enabled:     settings.Telemetry.Enabled,
			DSN:         settings.Telemetry.DSN,
			Environment: settings.Telemetry.Environment,
			Release:     "nnbridge@" + build.Version(),
		}, central.Module("telemetry"))
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		telemetry.Shutdown(telemetryFlushTimeout)
		if central != nil {
			return central.Close()
		}
		return nil
	}

	return rootCmd
}

// addModelFlag loads --model at the engine's model id unless the config
// already has a model there.
func addModelFlag(settings *conf.Settings, path string) {
	if path == "" {
		return
	}
	for i, m := range settings.Models {
		if m.ID == settings.Engine.Model {
			settings.Models[i].Path = path
			return
		}
	}
	settings.Models = append(settings.Models, conf.ModelEntry{ID: settings.Engine.Model, Path: path})
}

// setupFlags defines the flags shared by every command and binds them to v.
func setupFlags(rootCmd *cobra.Command, v *viper.Viper, configFile, modelPath *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Config file (default: ./config.yaml, ~/.config/nnbridge, /etc/nnbridge)")
	flags.StringVarP(modelPath, "model", "m", "", "Model to load at --model-id: a .tflite file or builtin:<name>")
	flags.Int("model-id", 0, "Registry id of the model to bind")
	flags.Int("method", 0, "Index of the model method to run")
	flags.IntSlice("attributes", nil, "Attribute indices bound to the controls, in order")
	flags.Int("block-size", conf.DefaultBlockSize, "Host block size in frames")
	flags.Int("buffer-size", -1, "Model buffer size: -1 automatic, 0 synchronous, otherwise rounded to a power of two")
	flags.Int("batches", 1, "Number of batches run per inference")
	flags.Int("warmup", 1, "Warmup inferences run after loading")
	flags.String("debug", "none", "Debug level: none, attributes, all or diagnostic")
	flags.Int("threads", 0, "Inference threads, 0 derives them from the CPU")
	flags.Bool("xnnpack", false, "Use the XNNPACK delegate for TFLite models")

	return conf.BindFlags(v, flags, map[string]string{
		"engine.model":      "model-id",
		"engine.method":     "method",
		"engine.attributes": "attributes",
		"engine.blocksize":  "block-size",
		"engine.buffersize": "buffer-size",
		"engine.batches":    "batches",
		"engine.warmup":     "warmup",
		"engine.debug":      "debug",
		"backend.threads":   "threads",
		"backend.xnnpack":   "xnnpack",
	})
}
