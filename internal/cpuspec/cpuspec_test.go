package cpuspec

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPerformanceCores(t *testing.T) {
	t.Parallel()

	tests := []struct {
		brand string
		want  int
	}{
		{"12th Gen Intel(R) Core(TM) i7-12700K", 8},
		{"13th Gen Intel(R) Core(TM) i5-13400F", 6},
		{"Intel(R) Core(TM) Ultra 5 225", 4},
		{"Intel(R) Core(TM) Ultra 7 Processor 265", 8},
		{"Apple M1", 4},
		{"Apple M2 Max", 12},
		{"Apple M4 Pro", 8},
		{"AMD Ryzen 9 7950X 16-Core Processor", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.brand, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, PerformanceCores(tt.brand))
		})
	}
}

func TestInferenceThreads(t *testing.T) {
	t.Parallel()

	cpus := runtime.NumCPU()

	assert.Equal(t, 1, CPUSpec{}.InferenceThreads(1))
	assert.Equal(t, cpus, CPUSpec{}.InferenceThreads(cpus+8), "configured value is capped")

	auto := CPUSpec{LogicalCores: 1}.InferenceThreads(0)
	assert.Equal(t, 1, auto, "a single core is never reduced to zero")

	if cpus >= 4 {
		assert.Equal(t, 2, CPUSpec{LogicalCores: cpus, PerformanceCores: 3}.InferenceThreads(0))
		assert.Equal(t, cpus-1, CPUSpec{LogicalCores: cpus}.InferenceThreads(0))
	}
}
