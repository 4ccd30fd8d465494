package conf

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/tphakala/nnbridge/internal/engine"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NNBRIDGE"

// envBinding ties a config key to an environment variable.
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func getEnvBindings() []envBinding {
	bind := func(key string, validate func(string) error) envBinding {
		return envBinding{ConfigKey: key, EnvVar: envName(key), Validate: validate}
	}
	return []envBinding{
		bind("engine.model", validateEnvNonNegative),
		bind("engine.method", validateEnvNonNegative),
		bind("engine.blocksize", validateEnvPositive),
		bind("engine.buffersize", validateEnvInt),
		bind("engine.batches", validateEnvPositive),
		bind("engine.warmup", validateEnvNonNegative),
		bind("engine.debug", validateEnvDebug),
		bind("engine.samplerate", validateEnvPositive),
		bind("engine.threaded", validateEnvBool),

		bind("backend.threads", validateEnvNonNegative),
		bind("backend.xnnpack", validateEnvBool),

		bind("audio.capture", nil),
		bind("audio.playback", nil),
		bind("audio.record", nil),

		bind("logging.default_level", nil),

		bind("metrics.enabled", validateEnvBool),
		bind("metrics.listen", validateEnvListen),

		bind("telemetry.enabled", validateEnvBool),
		bind("telemetry.dsn", nil),
	}
}

// bindEnvVars binds every override and validates the values that are set.
func bindEnvVars(v *viper.Viper) error {
	var problems []string
	for _, b := range getEnvBindings() {
		if err := v.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			problems = append(problems, fmt.Sprintf("failed to bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if value := os.Getenv(b.EnvVar); value != "" {
			if err := b.Validate(value); err != nil {
				problems = append(problems, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, value, err))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	_, err := strconv.ParseBool(value)
	return err
}

func validateEnvInt(value string) error {
	_, err := strconv.Atoi(value)
	return err
}

func validateEnvNonNegative(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateEnvPositive(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateEnvDebug(value string) error {
	_, err := engine.ParseDebugLevel(value)
	return err
}

func validateEnvListen(value string) error {
	_, _, err := net.SplitHostPort(value)
	return err
}
