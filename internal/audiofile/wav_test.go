package audiofile

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/nnbridge/internal/errors"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, depth := range []int{16, 24} {
		fs := afero.NewMemMapFs()
		in := &Audio{
			SampleRate: 48000,
			Channels: [][]float32{
				{0, 0.5, -0.5, 0.25, 1.5},
				{-1, 0.125, 0, -0.75, -2},
			},
		}
		require.NoError(t, WriteFile(fs, "out.wav", in, depth))

		got, err := ReadFile(fs, "out.wav")
		require.NoError(t, err)
		assert.Equal(t, 48000, got.SampleRate)
		require.Len(t, got.Channels, 2)
		require.Equal(t, 5, got.Frames())

		want := [][]float32{
			{0, 0.5, -0.5, 0.25, 1},
			{-1, 0.125, 0, -0.75, -1},
		}
		for ch := range want {
			for i := range want[ch] {
				assert.InDelta(t, want[ch][i], got.Channels[ch][i], 1e-4, "depth %d ch %d sample %d", depth, ch, i)
			}
		}
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	a := &Audio{SampleRate: 4, Channels: [][]float32{make([]float32, 10)}}
	assert.InDelta(t, 2.5, a.Duration(), 1e-9)
	assert.Zero(t, (&Audio{}).Duration())
}

func TestReadRejectsNonWAV(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "notes.txt", []byte("definitely not a riff header"), 0o644))

	_, err := ReadFile(fs, "notes.txt")
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = ReadFile(fs, "missing.wav")
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}

func TestWriterValidation(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	f, err := fs.Create("x.wav")
	require.NoError(t, err)
	defer f.Close()

	_, err = NewWriter(f, 48000, 1, 12)
	assert.Error(t, err)
	_, err = NewWriter(f, 48000, 0, 16)
	assert.Error(t, err)

	w, err := NewWriter(f, 48000, 2, 16)
	require.NoError(t, err)
	assert.Error(t, w.WriteInterleaved([]float32{1, 2, 3}))
	assert.Error(t, w.WritePlanar([][]float32{{1}}))
	require.NoError(t, w.Close())
}
