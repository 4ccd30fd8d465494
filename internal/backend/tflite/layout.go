package tflite

import (
	"fmt"

	"github.com/tphakala/nnbridge/internal/nnmodel"
)

// pack decimates every channel by ratio and lays the frames out channel after
// channel in dst, which must hold exactly len(channels)*frames values.
func pack(dst []float32, channels [][]float32, ratio int) error {
	if len(channels) == 0 {
		return nil
	}
	frames := len(channels[0]) / max(ratio, 1)
	if want := len(channels) * frames; len(dst) != want {
		return fmt.Errorf("input tensor holds %d values, block needs %d", len(dst), want)
	}
	for ch, src := range channels {
		nnmodel.Decimate(dst[ch*frames:(ch+1)*frames], src, ratio)
	}
	return nil
}

// unpack is the inverse of pack for the output side: every frame is repeated
// ratio times into the channel slices.
func unpack(channels [][]float32, src []float32, ratio int) error {
	if len(channels) == 0 {
		return nil
	}
	frames := len(channels[0]) / max(ratio, 1)
	if want := len(channels) * frames; len(src) != want {
		return fmt.Errorf("output tensor holds %d values, block needs %d", len(src), want)
	}
	for ch, dst := range channels {
		nnmodel.Expand(dst, src[ch*frames:(ch+1)*frames], ratio)
	}
	return nil
}
