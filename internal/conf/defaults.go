package conf

import (
	"github.com/spf13/viper"

	"github.com/tphakala/nnbridge/internal/logger"
)

// Default values.
const (
	DefaultBlockSize     = 512
	DefaultSampleRate    = 48000
	DefaultMetricsListen = "127.0.0.1:9464"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.model", 0)
	v.SetDefault("engine.method", 0)
	v.SetDefault("engine.attributes", []int{})
	v.SetDefault("engine.blocksize", DefaultBlockSize)
	v.SetDefault("engine.buffersize", -1)
	v.SetDefault("engine.batches", 1)
	v.SetDefault("engine.warmup", 1)
	v.SetDefault("engine.debug", "none")
	v.SetDefault("engine.samplerate", DefaultSampleRate)
	v.SetDefault("engine.threaded", true)

	v.SetDefault("models", []map[string]any{})

	v.SetDefault("backend.threads", 0)
	v.SetDefault("backend.xnnpack", false)

	v.SetDefault("audio.capture", "")
	v.SetDefault("audio.playback", "")
	v.SetDefault("audio.inchannels", 2)
	v.SetDefault("audio.outchannels", 2)
	v.SetDefault("audio.record", "")
	v.SetDefault("audio.recordseconds", 2.0)
	v.SetDefault("audio.bitdepth", 16)

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.enabled", logger.DefaultFileEnabled)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")
	v.SetDefault("telemetry.environment", "production")
}
