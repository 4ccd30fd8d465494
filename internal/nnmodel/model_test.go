package nnmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		kind  AttributeKind
		value float32
		want  string
	}{
		{"bool positive", KindBool, 0.3, "true"},
		{"bool zero", KindBool, 0, "false"},
		{"bool negative", KindBool, -1, "false"},
		{"int truncates", KindInt, 3.9, "3"},
		{"int truncates toward zero", KindInt, -2.7, "-2"},
		{"double six digits", KindDouble, 0.5, "0.500000"},
		{"other six digits", KindOther, 2, "2.000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatValue(tt.kind, tt.value))
		})
	}
}

func TestParseAttributeKindRoundTrip(t *testing.T) {
	t.Parallel()

	for _, k := range []AttributeKind{KindBool, KindInt, KindDouble, KindOther} {
		assert.Equal(t, k, ParseAttributeKind(k.String()))
	}
	assert.Equal(t, KindOther, ParseAttributeKind("tensor"))
}

func TestModelMethodValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ModelMethod{Name: "forward", InChannels: 1, InRatio: 1, OutChannels: 2, OutRatio: 2048}.Validate())
	assert.Error(t, ModelMethod{InChannels: 1, InRatio: 1, OutChannels: 1, OutRatio: 1}.Validate())
	assert.Error(t, ModelMethod{Name: "x", InChannels: 0, InRatio: 1, OutChannels: 1, OutRatio: 1}.Validate())
	assert.Error(t, ModelMethod{Name: "x", InChannels: 1, InRatio: 0, OutChannels: 1, OutRatio: 1}.Validate())
}

func TestMinBufferSizeAndFindMethod(t *testing.T) {
	t.Parallel()

	methods := []ModelMethod{
		{Name: "encode", InChannels: 1, InRatio: 2048, OutChannels: 8, OutRatio: 2048},
		{Name: "forward", InChannels: 1, InRatio: 1, OutChannels: 1, OutRatio: 1},
	}
	assert.Equal(t, 2048, MinBufferSize(methods))
	assert.Zero(t, MinBufferSize(nil))

	idx, ok := FindMethod(methods, "forward")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = FindMethod(methods, "decode")
	assert.False(t, ok)
}

func TestDecimateAndExpand(t *testing.T) {
	t.Parallel()

	src := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	frames := make([]float32, 2)
	assert.Equal(t, 2, Decimate(frames, src, 4))
	assert.Equal(t, []float32{4, 8}, frames)

	out := make([]float32, 8)
	assert.Equal(t, 8, Expand(out, frames, 4))
	assert.Equal(t, []float32{4, 4, 4, 4, 8, 8, 8, 8}, out)

	same := make([]float32, 3)
	assert.Equal(t, 3, Decimate(same, []float32{1, 2, 3}, 1))
	assert.Equal(t, []float32{1, 2, 3}, same)
}
