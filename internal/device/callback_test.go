package device

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/nnbridge/internal/engine"
)

// negate writes -in to every output channel and remembers block lengths and
// controls.
type negate struct {
	lengths  []int
	controls [][]engine.Control
}

func (n *negate) Process(blk engine.Block) {
	n.lengths = append(n.lengths, len(blk.In[0]))
	n.controls = append(n.controls, append([]engine.Control(nil), blk.Controls...))
	for ch := range blk.Out {
		src := blk.In[min(ch, len(blk.In)-1)]
		for i := range blk.Out[ch] {
			blk.Out[ch][i] = -src[i]
		}
	}
}

type captured struct{ frames int }

func (c *captured) Write(channels [][]float32) { c.frames += len(channels[0]) }

func encode(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func decode(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func TestCallbackRoundTrip(t *testing.T) {
	t.Parallel()

	proc := &negate{}
	rec := &captured{}
	cb := newCallback(proc, rec, 2, 2, 4, 0)

	// Interleaved L/R frames.
	input := encode(1, 10, 2, 20, 3, 30, 4, 40)
	output := make([]byte, len(input))
	cb.onData(output, input, 4)

	assert.Equal(t, []float32{-1, -10, -2, -20, -3, -30, -4, -40}, decode(output))
	assert.Equal(t, []int{4}, proc.lengths)
	assert.Equal(t, 4, rec.frames)
	assert.Equal(t, uint64(1), cb.blocks.Load())
}

func TestCallbackSplitsLargePeriods(t *testing.T) {
	t.Parallel()

	proc := &negate{}
	cb := newCallback(proc, nil, 1, 1, 4, 0)

	input := encode(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	output := make([]byte, len(input))
	cb.onData(output, input, 10)

	assert.Equal(t, []int{4, 4, 2}, proc.lengths)
	assert.Equal(t, []float32{-1, -2, -3, -4, -5, -6, -7, -8, -9, -10}, decode(output))
	assert.Equal(t, uint64(3), cb.blocks.Load())
	assert.Equal(t, uint64(1), cb.callbacks.Load())
}

func TestCallbackMonoToStereo(t *testing.T) {
	t.Parallel()

	cb := newCallback(&negate{}, nil, 1, 2, 8, 0)
	output := make([]byte, 2*3*4)
	cb.onData(output, encode(0.5, 0.25, 0.125), 3)

	assert.Equal(t, []float32{-0.5, -0.5, -0.25, -0.25, -0.125, -0.125}, decode(output))
}

func TestCallbackShortInputIsSilence(t *testing.T) {
	t.Parallel()

	cb := newCallback(&negate{}, nil, 1, 1, 4, 0)
	output := make([]byte, 4*4)
	cb.onData(output, encode(1, 2), 4)

	assert.Equal(t, []float32{-1, -2, 0, 0}, decode(output))
}

func TestCallbackControls(t *testing.T) {
	t.Parallel()

	proc := &negate{}
	cb := newCallback(proc, nil, 1, 1, 2, 2)

	require.True(t, cb.setControl(1, 0.75, 1))
	assert.False(t, cb.setControl(2, 1, 1))
	assert.False(t, cb.setControl(-1, 1, 1))

	cb.onData(make([]byte, 8), encode(0, 0), 2)
	require.Len(t, proc.controls, 1)
	assert.Equal(t, []engine.Control{{}, {Value: 0.75, Trigger: 1}}, proc.controls[0])
}

func TestMatches(t *testing.T) {
	t.Parallel()

	info := Info{Index: 2, Name: "USB Audio CODEC", ID: ":1,0", IsDefault: false}
	tests := []struct {
		want  string
		match bool
	}{
		{"", false},
		{"2", true},
		{"3", false},
		{":1,0", true},
		{"USB Audio", true},
		{"HDMI", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.match, matches(info, tt.want), "want %q", tt.want)
	}
	assert.True(t, matches(Info{IsDefault: true}, ""))
}

func TestDecodeID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ":1,0", decodeID("3a312c3000"))
	assert.Equal(t, "zz", decodeID("zz"))
}
