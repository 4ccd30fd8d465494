package logger_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/nnbridge/internal/logger"
)

func TestSlogLoggerLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		level     logger.LogLevel
		logFunc   func(l logger.Logger)
		shouldLog bool
	}{
		{"debug suppressed at info", logger.LogLevelInfo, func(l logger.Logger) { l.Debug("msg") }, false},
		{"info logged at info", logger.LogLevelInfo, func(l logger.Logger) { l.Info("msg") }, true},
		{"warn logged at info", logger.LogLevelInfo, func(l logger.Logger) { l.Warn("msg") }, true},
		{"trace logged at trace", logger.LogLevelTrace, func(l logger.Logger) { l.Trace("msg") }, true},
		{"info suppressed at error", logger.LogLevelError, func(l logger.Logger) { l.Info("msg") }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			buf := &bytes.Buffer{}
			tc.logFunc(logger.NewSlogLogger(buf, tc.level))
			assert.Equal(t, tc.shouldLog, buf.Len() > 0, "output: %q", buf.String())
		})
	}
}

func TestModuleAndFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.NewSlogLogger(buf, logger.LogLevelDebug).
		Module("engine").
		Module("worker").
		With(logger.Int("model_id", 2))

	log.Info("inference done",
		logger.String("method", "forward"),
		logger.Float64("gain", 0.1234567891),
		logger.Duration("elapsed", 1500*time.Microsecond),
		logger.Error(errors.New("boom")))

	out := buf.String()
	assert.Contains(t, out, "module=engine.worker")
	assert.Contains(t, out, "model_id=2")
	assert.Contains(t, out, "method=forward")
	assert.Contains(t, out, "gain=0.123457")
	assert.Contains(t, out, "elapsed=1.5ms")
	assert.Contains(t, out, "error=boom")
	assert.NotContains(t, out, "time=")
}

func TestWithContextTraceID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.NewSlogLogger(buf, logger.LogLevelInfo)

	log.WithContext(logger.WithTraceID(context.Background(), "abc-123")).Info("hello")
	assert.Contains(t, buf.String(), "trace_id=abc-123")

	buf.Reset()
	log.WithContext(context.Background()).Info("hello")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestCentralLoggerFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	cfg := &logger.LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &logger.ConsoleOutput{Enabled: false},
		FileOutput:   &logger.FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"registry": "warn"},
	}

	cl, err := logger.NewCentralLogger(cfg)
	require.NoError(t, err)

	cl.Module("engine").Debug("warmup complete", logger.Int("passes", 1))
	cl.Module("registry").Info("suppressed by module level")
	require.NoError(t, cl.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "warmup complete", lines[0]["msg"])
	assert.Equal(t, "engine", lines[0]["module"])
	assert.InDelta(t, 1, lines[0]["passes"], 0)

	_, err = time.Parse(time.RFC3339, lines[0]["time"].(string))
	assert.NoError(t, err)
}

func TestCentralLoggerRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(&logger.LoggingConfig{Timezone: "Mars/Olympus"})
	assert.Error(t, err)

	_, err = logger.NewCentralLogger(nil)
	assert.Error(t, err)
}

func TestDiscardLogger(t *testing.T) {
	t.Parallel()

	log := logger.NewDiscardLogger()
	log.Error("nothing")
	assert.NoError(t, log.Flush())
}
