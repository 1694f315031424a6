// Package monitor probes host resources used to size acquisition buffers
package monitor

import (
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// FallbackMemoryBudget is used when host memory cannot be queried
	FallbackMemoryBudget int64 = 256 << 20

	// budgetFraction is the share of currently available memory a single
	// session buffer may claim
	budgetFraction = 0.25
)

// MemoryInfo is a snapshot of host memory
type MemoryInfo struct {
	Total       uint64
	Available   uint64
	UsedPercent float64
}

// virtualMemory is swapped in tests
var virtualMemory = mem.VirtualMemory

// ReadMemory returns the current host memory snapshot
func ReadMemory() (MemoryInfo, error) {
	memInfo, err := virtualMemory()
	if err != nil {
		return MemoryInfo{}, err
	}
	return MemoryInfo{
		Total:       memInfo.Total,
		Available:   memInfo.Available,
		UsedPercent: memInfo.UsedPercent,
	}, nil
}

// MemoryBudget returns the number of bytes a session ring buffer may use.
// It is a quarter of available memory, or FallbackMemoryBudget when the
// host cannot be queried.
func MemoryBudget() int64 {
	info, err := ReadMemory()
	if err != nil || info.Available == 0 {
		return FallbackMemoryBudget
	}
	return int64(float64(info.Available) * budgetFraction)
}
