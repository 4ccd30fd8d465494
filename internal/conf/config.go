// Package conf loads nnbridge settings from defaults, a YAML config file,
// environment variables and command-line flags.
package conf

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/tphakala/nnbridge/internal/engine"
	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
)

const componentConfig = "config"

// EngineSettings controls how a bridge binds and runs a model method.
type EngineSettings struct {
	Model      int    `mapstructure:"model" yaml:"model"`           // model id in the registry
	Method     int    `mapstructure:"method" yaml:"method"`         // method index within the model
	Attributes []int  `mapstructure:"attributes" yaml:"attributes"` // attribute indices bound to controls
	BlockSize  int    `mapstructure:"blocksize" yaml:"blocksize"`   // host block size in frames
	BufferSize int    `mapstructure:"buffersize" yaml:"buffersize"` // -1 auto, 0 synchronous
	Batches    int    `mapstructure:"batches" yaml:"batches"`
	Warmup     int    `mapstructure:"warmup" yaml:"warmup"`
	Debug      string `mapstructure:"debug" yaml:"debug"` // none, attributes, all or diagnostic
	SampleRate int    `mapstructure:"samplerate" yaml:"samplerate"`
	Threaded   bool   `mapstructure:"threaded" yaml:"threaded"` // false runs inference on the host thread
}

// ModelEntry is a model preloaded into the registry at startup.
type ModelEntry struct {
	ID   int    `mapstructure:"id" yaml:"id"`
	Path string `mapstructure:"path" yaml:"path"`
}

// BackendSettings configures the inference runtime.
type BackendSettings struct {
	Threads int  `mapstructure:"threads" yaml:"threads"` // 0 picks from the CPU
	XNNPACK bool `mapstructure:"xnnpack" yaml:"xnnpack"`
}

// AudioSettings configures the live device and the recording tap.
type AudioSettings struct {
	Capture       string  `mapstructure:"capture" yaml:"capture"`
	Playback      string  `mapstructure:"playback" yaml:"playback"`
	InChannels    int     `mapstructure:"inchannels" yaml:"inchannels"`
	OutChannels   int     `mapstructure:"outchannels" yaml:"outchannels"`
	Record        string  `mapstructure:"record" yaml:"record"` // WAV path, empty disables recording
	RecordSeconds float64 `mapstructure:"recordseconds" yaml:"recordseconds"`
	BitDepth      int     `mapstructure:"bitdepth" yaml:"bitdepth"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// TelemetrySettings configures error reporting.
type TelemetrySettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// Settings is the complete configuration.
type Settings struct {
	Engine    EngineSettings       `mapstructure:"engine" yaml:"engine"`
	Models    []ModelEntry         `mapstructure:"models" yaml:"models"`
	Backend   BackendSettings      `mapstructure:"backend" yaml:"backend"`
	Audio     AudioSettings        `mapstructure:"audio" yaml:"audio"`
	Logging   logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsSettings      `mapstructure:"metrics" yaml:"metrics"`
	Telemetry TelemetrySettings    `mapstructure:"telemetry" yaml:"telemetry"`
}

// New returns a viper instance with defaults and environment bindings set.
// Callers bind command-line flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

// Load reads the config file, applies environment overrides, and unmarshals
// and validates the result. An empty configFile searches the default paths; a
// missing file there is not an error.
func Load(v *viper.Viper, fs afero.Fs, configFile string) (*Settings, error) {
	if fs != nil {
		v.SetFs(fs)
	}
	if err := bindEnvVars(v); err != nil {
		return nil, configError(err, errors.CategoryConfiguration)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		for _, p := range DefaultConfigPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(err).
				Component(componentConfig).
				Category(errors.CategoryConfiguration).
				Context("config_file", configFile).
				Build()
		}
		GetLogger().Debug("no config file found, using defaults")
	} else {
		GetLogger().Info("config loaded", logger.String("file", v.ConfigFileUsed()))
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, configError(err, errors.CategoryConfiguration)
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, configError(err, errors.CategoryValidation)
	}
	return settings, nil
}

// DefaultConfigPaths returns the directories searched for config.yaml.
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nnbridge"))
	}
	return append(paths, "/etc/nnbridge")
}

// DebugLevel returns the parsed engine debug level. Valid after Load.
func (s *Settings) DebugLevel() engine.DebugLevel {
	d, _ := engine.ParseDebugLevel(s.Engine.Debug)
	return d
}

// BridgeParams maps the engine section to bridge construction parameters.
func (s *Settings) BridgeParams() engine.Params {
	return engine.Params{
		ModelID:    s.Engine.Model,
		MethodID:   s.Engine.Method,
		Attributes: s.Engine.Attributes,
		BufferSize: s.Engine.BufferSize,
		Batches:    s.Engine.Batches,
		Warmup:     s.Engine.Warmup,
		Debug:      s.DebugLevel(),
		BlockSize:  s.Engine.BlockSize,
		Offline:    !s.Engine.Threaded,
	}
}

func configError(err error, category errors.ErrorCategory) error {
	return errors.New(err).
		Component(componentConfig).
		Category(category).
		Build()
}
