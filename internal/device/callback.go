package device

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/tphakala/nnbridge/internal/engine"
)

// Processor runs one host block. *engine.Bridge implements it.
type Processor interface {
	Process(blk engine.Block)
}

// Recorder receives every output block. *tap.Tap implements it.
type Recorder interface {
	Write(channels [][]float32)
}

// callback converts interleaved float32 device buffers to planar blocks and
// runs them through a Processor. All buffers are allocated up front; the data
// path does not allocate.
type callback struct {
	proc       Processor
	rec        Recorder
	inChannels int
	blockSize  int

	in       [][]float32
	out      [][]float32
	inView   [][]float32
	outView  [][]float32
	controls []engine.Control
	values   []atomic.Uint32
	triggers []atomic.Uint32

	blocks    atomic.Uint64
	callbacks atomic.Uint64
}

func newCallback(proc Processor, rec Recorder, inChannels, outChannels, blockSize, controls int) *callback {
	c := &callback{
		proc:       proc,
		rec:        rec,
		inChannels: inChannels,
		blockSize:  blockSize,
		in:         planar(inChannels, blockSize),
		out:        planar(outChannels, blockSize),
		inView:     make([][]float32, inChannels),
		outView:    make([][]float32, outChannels),
		controls:   make([]engine.Control, controls),
		values:     make([]atomic.Uint32, controls),
		triggers:   make([]atomic.Uint32, controls),
	}
	return c
}

func planar(channels, frames int) [][]float32 {
	backing := make([]float32, channels*frames)
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = backing[ch*frames : (ch+1)*frames : (ch+1)*frames]
	}
	return out
}

// setControl stores a control value for the next block. Safe from any
// goroutine.
func (c *callback) setControl(i int, value, trigger float32) bool {
	if i < 0 || i >= len(c.values) {
		return false
	}
	c.values[i].Store(math.Float32bits(value))
	c.triggers[i].Store(math.Float32bits(trigger))
	return true
}

// onData is the device data callback. output and input hold interleaved
// little-endian float32 frames.
func (c *callback) onData(output, input []byte, frames int) {
	c.callbacks.Add(1)
	outChannels := len(c.out)

	for i := range c.controls {
		c.controls[i] = engine.Control{
			Value:   math.Float32frombits(c.values[i].Load()),
			Trigger: math.Float32frombits(c.triggers[i].Load()),
		}
	}

	for done := 0; done < frames; {
		n := min(frames-done, c.blockSize)
		for ch := range c.in {
			c.inView[ch] = c.in[ch][:n]
		}
		for ch := range c.out {
			c.outView[ch] = c.out[ch][:n]
		}

		deinterleave(c.inView, input, done, c.inChannels)
		c.proc.Process(engine.Block{In: c.inView, Controls: c.controls, Out: c.outView})
		if c.rec != nil {
			c.rec.Write(c.outView)
		}
		interleave(output, c.outView, done, outChannels)

		c.blocks.Add(1)
		done += n
	}
}

// deinterleave reads len(dst[0]) frames starting at frame offset from src.
// Frames missing from src read as silence.
func deinterleave(dst [][]float32, src []byte, offset, channels int) {
	for ch := range dst {
		for i := range dst[ch] {
			pos := ((offset+i)*channels + ch) * 4
			if pos+4 > len(src) {
				dst[ch][i] = 0
				continue
			}
			dst[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(src[pos:]))
		}
	}
}

// interleave writes src into dst starting at frame offset.
func interleave(dst []byte, src [][]float32, offset, channels int) {
	for ch := range src {
		for i, v := range src[ch] {
			pos := ((offset+i)*channels + ch) * 4
			if pos+4 > len(dst) {
				break
			}
			binary.LittleEndian.PutUint32(dst[pos:], math.Float32bits(v))
		}
	}
}
