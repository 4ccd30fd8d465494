package conf

import (
	"fmt"
	"net"
	"strings"

	"github.com/tphakala/nnbridge/internal/engine"
)

// ValidationError collects every problem found in the settings.
type ValidationError struct {
	Errors []string
}

// Error returns all problems on one line.
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks every section and returns a ValidationError
// listing all problems, or nil.
func ValidateSettings(s *Settings) error {
	ve := ValidationError{}
	ve.Errors = append(ve.Errors, validateEngineSettings(&s.Engine)...)
	ve.Errors = append(ve.Errors, validateModels(s.Models)...)
	ve.Errors = append(ve.Errors, validateBackendSettings(&s.Backend)...)
	ve.Errors = append(ve.Errors, validateAudioSettings(&s.Audio)...)
	ve.Errors = append(ve.Errors, validateLoggingLevel("logging.default_level", s.Logging.DefaultLevel)...)
	for module, level := range s.Logging.ModuleLevels {
		ve.Errors = append(ve.Errors, validateLoggingLevel("logging.module_levels."+module, level)...)
	}
	ve.Errors = append(ve.Errors, validateMetricsSettings(&s.Metrics)...)
	ve.Errors = append(ve.Errors, validateTelemetrySettings(&s.Telemetry)...)

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateEngineSettings(e *EngineSettings) []string {
	var errs []string
	if e.Model < 0 {
		errs = append(errs, fmt.Sprintf("engine.model %d must not be negative", e.Model))
	}
	if e.Method < 0 {
		errs = append(errs, fmt.Sprintf("engine.method %d must not be negative", e.Method))
	}
	for _, a := range e.Attributes {
		if a < 0 {
			errs = append(errs, fmt.Sprintf("engine.attributes contains negative index %d", a))
		}
	}
	if e.BlockSize <= 0 {
		errs = append(errs, fmt.Sprintf("engine.blocksize %d must be positive", e.BlockSize))
	}
	if e.Warmup < 0 {
		errs = append(errs, fmt.Sprintf("engine.warmup %d must not be negative", e.Warmup))
	}
	if e.SampleRate <= 0 {
		errs = append(errs, fmt.Sprintf("engine.samplerate %d must be positive", e.SampleRate))
	}
	if _, err := engine.ParseDebugLevel(e.Debug); err != nil {
		errs = append(errs, fmt.Sprintf("engine.debug: %v", err))
	}
	return errs
}

func validateModels(models []ModelEntry) []string {
	var errs []string
	seen := make(map[int]bool, len(models))
	for i, m := range models {
		if m.ID < 0 {
			errs = append(errs, fmt.Sprintf("models[%d].id %d must not be negative", i, m.ID))
		}
		if strings.TrimSpace(m.Path) == "" {
			errs = append(errs, fmt.Sprintf("models[%d].path is empty", i))
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Sprintf("models[%d].id %d is used more than once", i, m.ID))
		}
		seen[m.ID] = true
	}
	return errs
}

func validateBackendSettings(b *BackendSettings) []string {
	if b.Threads < 0 {
		return []string{fmt.Sprintf("backend.threads %d must not be negative", b.Threads)}
	}
	return nil
}

func validateAudioSettings(a *AudioSettings) []string {
	var errs []string
	if a.InChannels <= 0 {
		errs = append(errs, fmt.Sprintf("audio.inchannels %d must be positive", a.InChannels))
	}
	if a.OutChannels <= 0 {
		errs = append(errs, fmt.Sprintf("audio.outchannels %d must be positive", a.OutChannels))
	}
	if a.RecordSeconds < 0 {
		errs = append(errs, fmt.Sprintf("audio.recordseconds %g must not be negative", a.RecordSeconds))
	}
	switch a.BitDepth {
	case 16, 24, 32:
	default:
		errs = append(errs, fmt.Sprintf("audio.bitdepth %d must be 16, 24 or 32", a.BitDepth))
	}
	return errs
}

func validateLoggingLevel(key, level string) []string {
	switch level {
	case "", "trace", "debug", "info", "warn", "error":
		return nil
	default:
		return []string{fmt.Sprintf("%s %q is not a log level", key, level)}
	}
}

func validateMetricsSettings(m *MetricsSettings) []string {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return []string{fmt.Sprintf("metrics.listen %q: %v", m.Listen, err)}
	}
	return nil
}

func validateTelemetrySettings(t *TelemetrySettings) []string {
	if t.Enabled && strings.TrimSpace(t.DSN) == "" {
		return []string{"telemetry.dsn is required when telemetry is enabled"}
	}
	return nil
}
