// Package buffer provides the bounded multichannel sample store that sits
// between an acquisition backend and the drain loop.
package buffer

import (
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/cpuspec"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/monitor"
)

// OverflowPolicy selects what a full buffer does with a new write
type OverflowPolicy int

const (
	// PolicyBlock rejects writes to a full buffer after an optional bounded wait
	PolicyBlock OverflowPolicy = iota
	// PolicyOverwrite drops the oldest unread frame to make room
	PolicyOverwrite
)

func (p OverflowPolicy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyOverwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps a configuration string to a policy
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return PolicyBlock, nil
	case "overwrite":
		return PolicyOverwrite, nil
	default:
		return PolicyBlock, errors.New(fmt.Errorf("unknown overflow policy: %w", ErrInvalidConfig)).
			Component("buffer").
			Category(errors.CategoryConfiguration).
			Context("value", s).
			Build()
	}
}

// ElementType names the in-memory sample representation
type ElementType string

// ElementFloat32 is the only supported element type
const ElementFloat32 ElementType = "float32"

// Size returns the element width in bytes, 0 for unsupported types
func (e ElementType) Size() int {
	if e == ElementFloat32 || e == "" {
		return 4
	}
	return 0
}

const (
	DefaultChannelCount       = 8
	DefaultCapacityPerChannel = 4096
	DefaultSampleRateHz       = 32.0
	DefaultWarnThreshold      = 80.0
)

// Config describes a ring buffer. A RingBuffer keeps its own copy, so
// changing a Config after New has no effect on the buffer.
type Config struct {
	ChannelCount                 int
	CapacityPerChannel           int
	SampleRateHz                 float64
	ElementType                  ElementType
	OverflowPolicy               OverflowPolicy
	OverflowWarnThresholdPercent float64

	// SIMDAlignment is the byte alignment of each channel's first sample.
	// 0 disables alignment.
	SIMDAlignment int

	// BlockTimeout bounds how long Write waits for free space under
	// PolicyBlock. 0 means fail immediately.
	BlockTimeout time.Duration

	// MemoryBudgetBytes caps the backing store size. 0 derives the
	// budget from available host memory.
	MemoryBudgetBytes int64
}

// DefaultConfig returns a config for an 8 channel 32 Hz sensor array
func DefaultConfig() Config {
	return Config{
		ChannelCount:                 DefaultChannelCount,
		CapacityPerChannel:           DefaultCapacityPerChannel,
		SampleRateHz:                 DefaultSampleRateHz,
		ElementType:                  ElementFloat32,
		OverflowPolicy:               PolicyBlock,
		OverflowWarnThresholdPercent: DefaultWarnThreshold,
		SIMDAlignment:                cpuspec.PreferredAlignment(),
	}
}

// Footprint returns the size of the sample store in bytes, excluding
// alignment padding.
func (c *Config) Footprint() (int64, error) {
	if c.ChannelCount <= 0 || c.CapacityPerChannel <= 0 {
		return 0, configError("channel count and capacity must be positive", c)
	}
	size := c.ElementType.Size()
	if size == 0 {
		return 0, configError("unsupported element type", c)
	}

	hi, frames := bits.Mul64(uint64(c.ChannelCount), uint64(c.CapacityPerChannel))
	if hi != 0 {
		return 0, configError("buffer footprint overflows", c)
	}
	hi, total := bits.Mul64(frames, uint64(size))
	if hi != 0 || total > 1<<63-1 {
		return 0, configError("buffer footprint overflows", c)
	}
	return int64(total), nil
}

// Validate checks every field and the memory budget
func (c *Config) Validate() error {
	switch {
	case c.ChannelCount <= 0:
		return configError("channel count must be positive", c)
	case c.CapacityPerChannel <= 0:
		return configError("capacity per channel must be positive", c)
	case c.SampleRateHz <= 0:
		return configError("sample rate must be positive", c)
	case c.ElementType.Size() == 0:
		return configError("unsupported element type", c)
	case c.OverflowPolicy != PolicyBlock && c.OverflowPolicy != PolicyOverwrite:
		return configError("unknown overflow policy", c)
	case c.OverflowWarnThresholdPercent <= 0 || c.OverflowWarnThresholdPercent > 100:
		return configError("overflow warn threshold must be in (0, 100]", c)
	case c.SIMDAlignment < 0 || (c.SIMDAlignment > 0 && !isPowerOfTwo(c.SIMDAlignment)):
		return configError("SIMD alignment must be a power of two", c)
	case c.BlockTimeout < 0:
		return configError("block timeout must not be negative", c)
	case c.MemoryBudgetBytes < 0:
		return configError("memory budget must not be negative", c)
	}

	footprint, err := c.Footprint()
	if err != nil {
		return err
	}

	budget := c.MemoryBudgetBytes
	if budget == 0 {
		budget = monitor.MemoryBudget()
	}
	if footprint > budget {
		return errors.New(fmt.Errorf("buffer footprint exceeds memory budget: %w", ErrInvalidConfig)).
			Component("buffer").
			Category(errors.CategoryConfiguration).
			Context("footprint_bytes", footprint).
			Context("budget_bytes", budget).
			Build()
	}
	return nil
}

func configError(reason string, c *Config) error {
	return errors.New(fmt.Errorf("%s: %w", reason, ErrInvalidConfig)).
		Component("buffer").
		Category(errors.CategoryConfiguration).
		Context("channel_count", c.ChannelCount).
		Context("capacity_per_channel", c.CapacityPerChannel).
		Build()
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
