// Package events delivers acquired data blocks and session lifecycle
// events to independent subscribers without blocking the publisher.
package events

import (
	"slices"
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/buffer"
	"github.com/Gameminde/Chneowave-sub003/internal/session"
)

// Kind identifies the concrete type behind an Event
type Kind int

const (
	KindDataBlock Kind = iota
	KindSessionStarted
	KindStateChanged
	KindSessionFinished
)

func (k Kind) String() string {
	switch k {
	case KindDataBlock:
		return "data_block"
	case KindSessionStarted:
		return "session_started"
	case KindStateChanged:
		return "session_state_changed"
	case KindSessionFinished:
		return "session_finished"
	default:
		return "unknown"
	}
}

// Event is anything published on the Bus
type Event interface {
	Kind() Kind
}

// DataBlock is a packaged run of newly drained samples. Samples is
// channel-major: Samples[c][i] is sample i of channel c. Subscribers share
// one copy and must not modify it.
type DataBlock struct {
	Samples      [][]float32
	Timestamp    time.Time
	SampleRate   float64
	ChannelCount int
	SequenceID   uint64
	SessionID    string
}

// Kind implements Event
func (DataBlock) Kind() Kind { return KindDataBlock }

// Len returns the number of frames in the block
func (b DataBlock) Len() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

func (b DataBlock) clone() DataBlock {
	if b.Samples == nil {
		return b
	}
	samples := make([][]float32, len(b.Samples))
	for c, ch := range b.Samples {
		samples[c] = slices.Clone(ch)
	}
	b.Samples = samples
	return b
}

// SessionInfo describes a session that just entered STARTING
type SessionInfo struct {
	SessionID          string
	Backend            string
	Fallback           bool
	DeviceID           string
	SampleRateHz       float64
	ChannelCount       int
	CapacityPerChannel int
	OverflowPolicy     buffer.OverflowPolicy
	StartedAt          time.Time
}

// Kind implements Event
func (SessionInfo) Kind() Kind { return KindSessionStarted }

// StateChange records one applied session state transition
type StateChange struct {
	SessionID string
	From      session.State
	To        session.State
	Reason    string
	At        time.Time
}

// Kind implements Event
func (StateChange) Kind() Kind { return KindStateChanged }

// SessionStats is the final accounting of a session. It is a value copy;
// nothing in it refers back to live session state.
type SessionStats struct {
	SessionID        string
	Backend          string
	FinalState       session.State
	StartedAt        time.Time
	FinishedAt       time.Time
	BlocksPublished  uint64
	SamplesPublished uint64
	LastSequenceID   uint64
	Buffer           buffer.Stats
	ConsecutiveFull  int
}

// Kind implements Event
func (SessionStats) Kind() Kind { return KindSessionFinished }

// Duration returns the wall time between start and finish
func (s SessionStats) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// DataHandler consumes data blocks
type DataHandler func(DataBlock) error

// LifecycleHandler consumes SessionInfo, StateChange and SessionStats events
type LifecycleHandler func(Event) error

// Handler consumes every event kind through one queue, so data blocks and
// lifecycle events keep their relative publish order.
type Handler func(Event) error

// BusStats contains runtime statistics for monitoring
type BusStats struct {
	BlocksPublished    uint64
	LifecyclePublished uint64
	Delivered          uint64
	HandlerErrors      uint64
	HandlerPanics      uint64
	Dropped            uint64
	Subscribers        int
}
