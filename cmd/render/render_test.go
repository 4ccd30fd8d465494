package render

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/nnbridge/internal/app"
	"github.com/tphakala/nnbridge/internal/audiofile"
	"github.com/tphakala/nnbridge/internal/conf"
	"github.com/tphakala/nnbridge/internal/engine"
	"github.com/tphakala/nnbridge/internal/logger"
)

type recordingProcessor struct {
	blocks   int
	controls [][]engine.Control
}

func (p *recordingProcessor) Process(blk engine.Block) {
	p.blocks++
	p.controls = append(p.controls, blk.Controls)
	for ch := range blk.Out {
		copy(blk.Out[ch], blk.In[min(ch, len(blk.In)-1)])
	}
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func TestRenderPadsLastBlock(t *testing.T) {
	t.Parallel()

	src := &audiofile.Audio{SampleRate: 8000, Channels: [][]float32{ramp(10)}}
	p := &recordingProcessor{}
	out := Render(p, src, Options{BlockSize: 4, OutChannels: 2, Controls: []float32{0.5}})

	assert.Equal(t, 3, p.blocks)
	require.Len(t, out.Channels, 2)
	assert.Equal(t, ramp(10), out.Channels[0])
	assert.Equal(t, ramp(10), out.Channels[1])
	assert.Equal(t, 8000, out.SampleRate)
	assert.Equal(t, []engine.Control{{Value: 0.5, Trigger: 1}}, p.controls[0])
}

func TestRenderDropsLatency(t *testing.T) {
	t.Parallel()

	src := &audiofile.Audio{SampleRate: 8000, Channels: [][]float32{ramp(6)}}
	p := &recordingProcessor{}
	out := Render(p, src, Options{BlockSize: 4, Latency: 3})

	// 6 source frames plus 3 latency frames take three blocks.
	assert.Equal(t, 3, p.blocks)
	assert.Equal(t, []float32{4, 5, 6, 0, 0, 0}, out.Channels[0])
}

func TestLatency(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 12, Latency(16, 4))
	assert.Zero(t, Latency(64, 64))
	assert.Zero(t, Latency(4, 8))
}

func TestRenderThroughBridgeIsAligned(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{
		Engine: conf.EngineSettings{BlockSize: 4, BufferSize: 16, Batches: 1, SampleRate: 8000},
		Models: []conf.ModelEntry{{ID: 0, Path: "builtin:identity"}},
	}
	a, err := app.New(context.Background(), app.Options{
		Settings: settings,
		Fs:       afero.NewMemMapFs(),
		Logger:   logger.NewDiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b := a.NewBridge(context.Background(), app.Host{InChannels: 1})
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.BindError())
	require.True(t, b.Engine().Synchronous())

	src := &audiofile.Audio{SampleRate: 8000, Channels: [][]float32{ramp(37)}}
	out := Render(b, src, Options{BlockSize: 4, Latency: Latency(b.Engine().BufferSize(), 4)})
	assert.Equal(t, src.Channels[0], out.Channels[0])
}

func TestCommandBindsBitDepth(t *testing.T) {
	t.Parallel()

	v := conf.New()
	cmd := Command(v, &conf.Settings{})
	require.NoError(t, cmd.ParseFlags([]string{"--bit-depth", "24"}))

	s, err := conf.Load(v, afero.NewMemMapFs(), "")
	require.NoError(t, err)
	assert.Equal(t, 24, s.Audio.BitDepth)
}
