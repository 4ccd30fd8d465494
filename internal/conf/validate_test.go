package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/nnbridge/internal/errors"
)

func validSettings() *Settings {
	return &Settings{
		Engine: EngineSettings{BlockSize: 512, BufferSize: -1, Batches: 1, SampleRate: 48000, Debug: "none"},
		Models: []ModelEntry{{ID: 0, Path: "builtin:identity"}},
		Audio:  AudioSettings{InChannels: 2, OutChannels: 2, BitDepth: 16},
	}
}

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"valid", func(*Settings) {}, ""},
		{"negative model", func(s *Settings) { s.Engine.Model = -1 }, "engine.model"},
		{"zero block size", func(s *Settings) { s.Engine.BlockSize = 0 }, "engine.blocksize"},
		{"negative warmup", func(s *Settings) { s.Engine.Warmup = -2 }, "engine.warmup"},
		{"bad debug", func(s *Settings) { s.Engine.Debug = "loud" }, "engine.debug"},
		{"negative attribute", func(s *Settings) { s.Engine.Attributes = []int{0, -1} }, "engine.attributes"},
		{"empty model path", func(s *Settings) { s.Models[0].Path = " " }, "models[0].path"},
		{"duplicate model id", func(s *Settings) {
			s.Models = append(s.Models, ModelEntry{ID: 0, Path: "builtin:gain"})
		}, "models[1].id 0 is used more than once"},
		{"negative threads", func(s *Settings) { s.Backend.Threads = -1 }, "backend.threads"},
		{"no input channels", func(s *Settings) { s.Audio.InChannels = 0 }, "audio.inchannels"},
		{"bit depth", func(s *Settings) { s.Audio.BitDepth = 8 }, "audio.bitdepth"},
		{"log level", func(s *Settings) { s.Logging.DefaultLevel = "chatty" }, "logging.default_level"},
		{"module log level", func(s *Settings) {
			s.Logging.ModuleLevels = map[string]string{"engine": "loud"}
		}, "logging.module_levels.engine"},
		{"metrics listen", func(s *Settings) {
			s.Metrics = MetricsSettings{Enabled: true, Listen: "9100"}
		}, "metrics.listen"},
		{"disabled metrics ignore listen", func(s *Settings) {
			s.Metrics = MetricsSettings{Listen: "9100"}
		}, ""},
		{"telemetry dsn", func(s *Settings) { s.Telemetry.Enabled = true }, "telemetry.dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := validSettings()
			tt.mutate(s)
			err := ValidateSettings(s)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			var ve ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Contains(t, ve.Error(), tt.want)
		})
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Engine.BlockSize = 0
	s.Engine.SampleRate = 0
	s.Audio.OutChannels = 0

	var ve ValidationError
	require.True(t, errors.As(ValidateSettings(s), &ve))
	assert.Len(t, ve.Errors, 3)
}
