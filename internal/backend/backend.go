// Package backend defines the contract every acquisition producer
// implements and the registry used to pick one for a session.
package backend

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

// DeviceID names a device within one backend
type DeviceID string

// BlockFunc receives a channel-major block: block[c][i] is sample i of
// channel c. The slice is owned by the receiver once passed. ts is the
// capture time of the first frame.
type BlockFunc func(block [][]float32, ts time.Time)

// FaultFunc receives an irrecoverable backend error. After it is called the
// backend produces no further blocks.
type FaultFunc func(err error)

// Backend produces sample blocks from hardware or a simulator
type Backend interface {
	// Name returns the registry name, e.g. "malgo"
	Name() string

	// IsAvailable probes whether the backend can run on this host. It must
	// not panic and should return quickly.
	IsAvailable() bool

	// DetectDevices lists devices this backend can capture from
	DetectDevices() ([]DeviceID, error)

	// Configure validates and stores session parameters
	Configure(p Params) error

	// Start begins producing blocks on a goroutine owned by the backend
	Start(onBlock BlockFunc, onFault FaultFunc) error

	// Stop halts production. It is idempotent and returns within a bound.
	Stop() error
}

// RealtimeProducer is implemented by backends fed by a device clock. Such a
// producer cannot wait for buffer space without losing data upstream.
type RealtimeProducer interface {
	Realtime() bool
}

// IsRealtime reports whether b declares itself a device-clocked producer
func IsRealtime(b Backend) bool {
	rt, ok := b.(RealtimeProducer)
	return ok && rt.Realtime()
}

// Params are the per-session backend parameters
type Params struct {
	SampleRateHz float64
	ChannelCount int
	DeviceID     DeviceID
	Extra        map[string]any
}

// Validate checks the fields every backend needs
func (p Params) Validate(component string) error {
	switch {
	case p.SampleRateHz <= 0:
		return configError(component, "sample rate must be positive", p)
	case p.ChannelCount <= 0:
		return configError(component, "channel count must be positive", p)
	}
	return nil
}

func configError(component, reason string, p Params) error {
	return errors.New(fmt.Errorf("%s: %w", reason, ErrInvalidParams)).
		Component(component).
		Category(errors.CategoryConfiguration).
		Context("sample_rate_hz", p.SampleRateHz).
		Context("channel_count", p.ChannelCount).
		Build()
}

// Int reads an integer extra parameter, accepting the numeric and string
// forms produced by YAML, env and flag parsing
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p.Extra[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return def, fmt.Errorf("extra %q: %v is not an integer", key, v)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return def, fmt.Errorf("extra %q: %w", key, err)
		}
		return i, nil
	default:
		return def, fmt.Errorf("extra %q: unsupported type %T", key, v)
	}
}

// Float reads a floating point extra parameter
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p.Extra[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return def, fmt.Errorf("extra %q: %w", key, err)
		}
		return f, nil
	default:
		return def, fmt.Errorf("extra %q: unsupported type %T", key, v)
	}
}

// String reads a string extra parameter
func (p Params) String(key, def string) string {
	if v, ok := p.Extra[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return def
}

// Duration reads a duration extra parameter given as a Go duration string
// or as a number of milliseconds
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p.Extra[key]
	if !ok || v == nil {
		return def, nil
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return def, fmt.Errorf("extra %q: %w", key, err)
		}
		return parsed, nil
	default:
		ms, err := p.Float(key, 0)
		if err != nil {
			return def, err
		}
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
}
