package acquisition

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/buffer"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

const (
	// DefaultDrainInterval is the drain ticker period
	DefaultDrainInterval = 100 * time.Millisecond

	// DefaultStopTimeout bounds backend shutdown in StopSession
	DefaultStopTimeout = 5 * time.Second

	// DefaultMaxConsecutiveFull is the number of back-to-back BufferFull
	// write attempts tolerated before the session fails
	DefaultMaxConsecutiveFull = 5
)

// SessionConfig is the record a session is started from. Zero values take
// the defaults of buffer.DefaultConfig and the adapter options.
type SessionConfig struct {
	SampleRateHz             float64
	ChannelCount             int
	BufferCapacityPerChannel int
	OverflowPolicy           buffer.OverflowPolicy

	// BackendPreference names a registered backend. Empty probes hardware
	// in registration order.
	BackendPreference string
	DeviceID          string

	// BlockTimeout bounds a single write under PolicyBlock
	BlockTimeout time.Duration
	// DrainInterval overrides the adapter's drain period
	DrainInterval time.Duration
	// MaxBlockSamples caps frames per published block; 0 drains everything
	MaxBlockSamples int

	OverflowWarnThresholdPercent float64
	SIMDAlignment                int
	MemoryBudgetBytes            int64

	// Extra is passed to the backend's Configure untouched
	Extra map[string]any
}

// BufferConfig returns the ring buffer configuration of the session
func (c SessionConfig) BufferConfig() buffer.Config {
	bc := buffer.DefaultConfig()
	if c.ChannelCount != 0 {
		bc.ChannelCount = c.ChannelCount
	}
	if c.BufferCapacityPerChannel != 0 {
		bc.CapacityPerChannel = c.BufferCapacityPerChannel
	}
	if c.SampleRateHz != 0 {
		bc.SampleRateHz = c.SampleRateHz
	}
	if c.OverflowWarnThresholdPercent != 0 {
		bc.OverflowWarnThresholdPercent = c.OverflowWarnThresholdPercent
	}
	if c.SIMDAlignment != 0 {
		bc.SIMDAlignment = c.SIMDAlignment
	}
	bc.OverflowPolicy = c.OverflowPolicy
	bc.BlockTimeout = c.BlockTimeout
	bc.MemoryBudgetBytes = c.MemoryBudgetBytes
	return bc
}

// Validate checks the record without touching any backend
func (c SessionConfig) Validate() error {
	bc := c.BufferConfig()
	if err := bc.Validate(); err != nil {
		return err
	}
	if c.DrainInterval < 0 || c.MaxBlockSamples < 0 {
		return errors.New(fmt.Errorf("drain interval and max block samples must not be negative: %w", buffer.ErrInvalidConfig)).
			Component("acquisition").
			Category(errors.CategoryConfiguration).
			Context("drain_interval", c.DrainInterval.String()).
			Context("max_block_samples", c.MaxBlockSamples).
			Build()
	}
	return nil
}

// backendParams builds Configure input. A device ID only makes sense for
// the backend it was chosen for, so it is dropped on fallback.
func (c SessionConfig) backendParams(bc buffer.Config, sel backend.Selection) backend.Params {
	p := backend.Params{
		SampleRateHz: bc.SampleRateHz,
		ChannelCount: bc.ChannelCount,
		Extra:        maps.Clone(c.Extra),
	}
	if !sel.Fallback && (c.BackendPreference == "" || strings.EqualFold(sel.Backend.Name(), c.BackendPreference)) {
		p.DeviceID = backend.DeviceID(c.DeviceID)
	}
	return p
}
