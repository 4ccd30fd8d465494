// Package cpuspec derives inference thread counts from the host CPU.
package cpuspec

import (
	"regexp"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPUSpec contains information about CPU specifications
type CPUSpec struct {
	BrandName        string
	LogicalCores     int
	PerformanceCores int
}

var (
	intelCoreRegex  = regexp.MustCompile(`intel.*(?:core.*i[3579]-(\d{5})|core.*ultra\s+([579])\s+(?:processor\s+)?(\d{3}))`)
	appleChipRegex  = regexp.MustCompile(`apple\s+(m[1-4])\s*(pro|max|ultra)?`)
	intelCorePCores = map[string]int{
		"12900": 8, "12700": 8, "12600": 6, "12400": 6, "12100": 4,
		"13900": 8, "13700": 8, "13600": 6, "13500": 6, "13400": 6, "13100": 4,
		"14900": 8, "14700": 8, "14600": 6, "14400": 6, "14100": 4,
	}
	intelUltraPCores = map[string]int{
		"285": 8, "265": 8, "255": 8, "235": 6, "225": 4,
	}
	appleChipPCores = map[string]int{
		"m1": 4, "m1 pro": 8, "m1 max": 8, "m1 ultra": 16,
		"m2": 4, "m2 pro": 8, "m2 max": 12, "m2 ultra": 24,
		"m3": 4, "m3 pro": 8, "m3 max": 12, "m3 ultra": 24,
		"m4": 6, "m4 pro": 8, "m4 max": 12,
	}
)

// GetCPUSpec returns the specification of the host CPU.
func GetCPUSpec() CPUSpec {
	return CPUSpec{
		BrandName:        cpuid.CPU.BrandName,
		LogicalCores:     cpuid.CPU.LogicalCores,
		PerformanceCores: PerformanceCores(cpuid.CPU.BrandName),
	}
}

// InferenceThreads returns the number of interpreter threads to use. A
// positive configured value wins, capped to the available CPUs. Otherwise
// hybrid CPUs use their performance cores and other CPUs all logical cores,
// minus one core kept free for the audio callback.
func (c CPUSpec) InferenceThreads(configured int) int {
	available := runtime.NumCPU()
	if configured > 0 {
		return min(configured, available)
	}

	threads := c.LogicalCores
	if c.PerformanceCores > 0 {
		threads = c.PerformanceCores
	}
	if threads <= 0 {
		threads = available
	}
	threads = min(threads, available)
	if threads > 1 {
		threads--
	}
	return threads
}

// PerformanceCores returns the P-core count for known hybrid CPUs, or 0.
func PerformanceCores(brandName string) int {
	brand := strings.ToLower(brandName)

	if m := intelCoreRegex.FindStringSubmatch(brand); len(m) > 1 {
		if m[1] != "" {
			return intelCorePCores[m[1]]
		}
		return intelUltraPCores[m[3]]
	}

	if m := appleChipRegex.FindStringSubmatch(brand); len(m) > 1 {
		chip := m[1]
		if m[2] != "" {
			chip += " " + m[2]
		}
		return appleChipPCores[chip]
	}
	return 0
}
