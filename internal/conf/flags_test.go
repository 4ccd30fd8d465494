package conf

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlags(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("block-size", DefaultBlockSize, "")
	fs.String("debug", "none", "")

	v := New()
	require.NoError(t, BindFlags(v, fs, map[string]string{
		"engine.blocksize": "block-size",
		"engine.debug":     "debug",
	}))
	require.NoError(t, fs.Parse([]string{"--block-size", "32"}))

	s, err := Load(v, afero.NewMemMapFs(), "")
	require.NoError(t, err)
	assert.Equal(t, 32, s.Engine.BlockSize)
	assert.Equal(t, "none", s.Engine.Debug, "unset flags keep the default")

	assert.Error(t, BindFlags(v, fs, map[string]string{"engine.warmup": "warmup"}))
}
