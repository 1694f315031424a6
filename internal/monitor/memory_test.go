package monitor

import (
	"fmt"
	"testing"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBudget(t *testing.T) {
	orig := virtualMemory
	t.Cleanup(func() { virtualMemory = orig })

	virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 8 << 30, Available: 4 << 30, UsedPercent: 50}, nil
	}
	assert.Equal(t, int64(1<<30), MemoryBudget())

	info, err := ReadMemory()
	require.NoError(t, err)
	assert.InDelta(t, 50.0, info.UsedPercent, 0.001)

	virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return nil, fmt.Errorf("procfs unavailable")
	}
	assert.Equal(t, FallbackMemoryBudget, MemoryBudget())
}
