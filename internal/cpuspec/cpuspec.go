package cpuspec

import (
	"github.com/klauspost/cpuid/v2"
)

// CPUSpec contains the CPU features that matter for sample buffer layout
type CPUSpec struct {
	BrandName    string
	LogicalCores int
	CacheLine    int
	HasAVX2      bool
	HasAVX512    bool
	HasNEON      bool
}

// GetCPUSpec returns the CPU specification of the host
func GetCPUSpec() CPUSpec {
	return CPUSpec{
		BrandName:    cpuid.CPU.BrandName,
		LogicalCores: cpuid.CPU.LogicalCores,
		CacheLine:    cpuid.CPU.CacheLine,
		HasAVX2:      cpuid.CPU.Supports(cpuid.AVX2),
		HasAVX512:    cpuid.CPU.Supports(cpuid.AVX512F),
		HasNEON:      cpuid.CPU.Supports(cpuid.ASIMD),
	}
}

// PreferredAlignment returns the byte alignment for per-channel sample
// slices that lets vector units load whole registers.
func (c CPUSpec) PreferredAlignment() int {
	switch {
	case c.HasAVX512:
		return 64
	case c.HasAVX2:
		return 32
	default:
		return 16
	}
}

// PreferredAlignment is a shortcut for GetCPUSpec().PreferredAlignment()
func PreferredAlignment() int {
	return GetCPUSpec().PreferredAlignment()
}
