package backend

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"sync"

	"github.com/tphakala/nnbridge/internal/nnmodel"
)

// BuiltinPrefix marks model paths served by an in-process backend, e.g.
// "builtin:gain".
const BuiltinPrefix = "builtin:"

// EnvelopeRatio is the frame length of the envelope model.
const EnvelopeRatio = 64

// BuiltinNames lists the built-in models.
func BuiltinNames() []string {
	return []string{"identity", "gain", "envelope"}
}

func newBuiltin(name string) (nnmodel.Backend, error) {
	switch name {
	case "identity":
		return &identityModel{}, nil
	case "gain":
		return newGainModel(), nil
	case "envelope":
		return &envelopeModel{}, nil
	default:
		return nil, fmt.Errorf("unknown builtin model %q", name)
	}
}

func forward(ratio int) []nnmodel.ModelMethod {
	return []nnmodel.ModelMethod{{Name: "forward", InChannels: 1, InRatio: ratio, OutChannels: 1, OutRatio: ratio}}
}

// identityModel copies its input.
type identityModel struct{}

func (identityModel) Methods() []nnmodel.ModelMethod { return forward(1) }

func (identityModel) Attributes() []nnmodel.AttributeDescriptor { return nil }

func (identityModel) Close() error { return nil }

func (identityModel) Infer(_ nnmodel.ModelMethod, in, out [][]float32, _ []nnmodel.AttributeValue) error {
	for ch := range out {
		if ch < len(in) {
			copy(out[ch], in[ch])
		} else {
			clear(out[ch])
		}
	}
	return nil
}

// gainModel scales its input by the gain attribute, optionally inverting
// polarity.
type gainModel struct {
	mu     sync.Mutex
	gain   float64
	invert bool
}

func newGainModel() *gainModel { return &gainModel{gain: 1} }

func (*gainModel) Methods() []nnmodel.ModelMethod { return forward(1) }

func (*gainModel) Attributes() []nnmodel.AttributeDescriptor {
	return []nnmodel.AttributeDescriptor{
		{Name: "gain", Kind: nnmodel.KindDouble},
		{Name: "invert", Kind: nnmodel.KindBool},
	}
}

func (*gainModel) Close() error { return nil }

func (g *gainModel) Infer(_ nnmodel.ModelMethod, in, out [][]float32, attrs []nnmodel.AttributeValue) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, a := range attrs {
		switch a.Name {
		case "gain":
			v, err := strconv.ParseFloat(a.Value, 64)
			if err != nil {
				return fmt.Errorf("attribute gain: %w", err)
			}
			g.gain = v
		case "invert":
			v, err := strconv.ParseBool(a.Value)
			if err != nil {
				return fmt.Errorf("attribute invert: %w", err)
			}
			g.invert = v
		default:
			return fmt.Errorf("unknown attribute %q", a.Name)
		}
	}

	scale := float32(g.gain)
	if g.invert {
		scale = -scale
	}
	for ch := range out {
		if ch >= len(in) {
			clear(out[ch])
			continue
		}
		for i, v := range in[ch][:len(out[ch])] {
			out[ch][i] = v * scale
		}
	}
	return nil
}

// AttributeValue implements nnmodel.AttributeReader.
func (g *gainModel) AttributeValue(name string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch name {
	case "gain":
		return strconv.FormatFloat(g.gain, 'f', 6, 64), true
	case "invert":
		return strconv.FormatBool(g.invert), true
	}
	return "", false
}

// envelopeModel outputs the RMS of each EnvelopeRatio-sample frame, held for
// the length of the frame.
type envelopeModel struct {
	frames []float32
}

func (*envelopeModel) Methods() []nnmodel.ModelMethod { return forward(EnvelopeRatio) }

func (*envelopeModel) Attributes() []nnmodel.AttributeDescriptor { return nil }

func (*envelopeModel) Close() error { return nil }

func (e *envelopeModel) Infer(_ nnmodel.ModelMethod, in, out [][]float32, _ []nnmodel.AttributeValue) error {
	for ch := range out {
		if ch >= len(in) {
			clear(out[ch])
			continue
		}
		src := in[ch]
		if len(src)%EnvelopeRatio != 0 {
			return fmt.Errorf("block of %d samples is not a multiple of %d", len(src), EnvelopeRatio)
		}
		n := len(src) / EnvelopeRatio
		e.frames = slices.Grow(e.frames[:0], n)[:n]
		for f := range n {
			var sum float64
			for _, v := range src[f*EnvelopeRatio : (f+1)*EnvelopeRatio] {
				sum += float64(v) * float64(v)
			}
			e.frames[f] = float32(math.Sqrt(sum / EnvelopeRatio))
		}
		nnmodel.Expand(out[ch], e.frames, EnvelopeRatio)
	}
	return nil
}
