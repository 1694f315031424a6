package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

// Stats is a snapshot of ring buffer counters
type Stats struct {
	Written       uint64
	Read          uint64
	OverflowCount uint64
	HighWaterMark int
	Rejected      uint64
}

// RingBuffer is a fixed capacity multichannel FIFO of float32 frames.
//
// One producer goroutine calls Write and one consumer goroutine calls Read
// or ReadChannels. Both cursors only grow; the slot of frame n is n modulo
// the capacity. Pending, UsagePercent and Stats may be called from any
// goroutine.
type RingBuffer struct {
	cfg      Config
	data     []float32
	stride   int // distance between the first samples of adjacent channels
	capacity uint64
	mask     uint64
	pow2     bool

	writeCursor atomic.Uint64
	readCursor  atomic.Uint64

	// cursorMu serialises read cursor moves between the overwrite path and
	// the consumer. It never guards a data copy.
	cursorMu sync.Mutex

	written   atomic.Uint64
	read      atomic.Uint64
	overflows atomic.Uint64
	rejected  atomic.Uint64
	highWater atomic.Int64

	// space is signalled by the consumer after it frees slots
	space chan struct{}
}

// New validates cfg and allocates a ring buffer for it
func New(cfg Config) (*RingBuffer, error) {
	if cfg.ElementType == "" {
		cfg.ElementType = ElementFloat32
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stride := cfg.CapacityPerChannel
	if cfg.SIMDAlignment > 0 {
		perVector := max(cfg.SIMDAlignment/cfg.ElementType.Size(), 1)
		stride = (stride + perVector - 1) / perVector * perVector
	}

	capacity := uint64(cfg.CapacityPerChannel)
	rb := &RingBuffer{
		cfg:      cfg,
		data:     alignedFloats(stride*cfg.ChannelCount, cfg.SIMDAlignment),
		stride:   stride,
		capacity: capacity,
		mask:     capacity - 1,
		pow2:     isPowerOfTwo(cfg.CapacityPerChannel),
		space:    make(chan struct{}, 1),
	}
	return rb, nil
}

// alignedFloats returns n float32s whose first element sits on an align
// byte boundary
func alignedFloats(n, align int) []float32 {
	if align <= 4 {
		return make([]float32, n)
	}
	pad := align / 4
	raw := make([]float32, n+pad)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := 0
	if rem := int(addr % uintptr(align)); rem != 0 {
		offset = (align - rem) / 4
	}
	return raw[offset : offset+n : offset+n]
}

func (rb *RingBuffer) slot(cursor uint64) int {
	if rb.pow2 {
		return int(cursor & rb.mask)
	}
	return int(cursor % rb.capacity)
}

// Config returns a copy of the buffer configuration
func (rb *RingBuffer) Config() Config {
	return rb.cfg
}

// Capacity returns the number of frames the buffer holds
func (rb *RingBuffer) Capacity() int {
	return rb.cfg.CapacityPerChannel
}

// Write appends one frame holding one sample per channel.
//
// Under PolicyBlock a full buffer waits up to BlockTimeout for the consumer
// and then returns ErrBufferFull without touching the stored frames. Under
// PolicyOverwrite the oldest unread frame is dropped and Write succeeds.
func (rb *RingBuffer) Write(sample []float32) error {
	if len(sample) != rb.cfg.ChannelCount {
		return errors.New(fmt.Errorf("got %d samples for %d channels: %w",
			len(sample), rb.cfg.ChannelCount, ErrInvalidVector)).
			Component("buffer").
			Category(errors.CategoryConfiguration).
			Context("vector_length", len(sample)).
			Context("channel_count", rb.cfg.ChannelCount).
			Build()
	}

	w := rb.writeCursor.Load()
	if w-rb.readCursor.Load() >= rb.capacity {
		if rb.cfg.OverflowPolicy == PolicyOverwrite {
			rb.dropOldest(w)
		} else if !rb.waitForSpace(w) {
			rb.rejected.Add(1)
			return ErrBufferFull
		}
	}

	idx := rb.slot(w)
	for ch, v := range sample {
		rb.data[ch*rb.stride+idx] = v
	}
	rb.writeCursor.Store(w + 1)
	rb.written.Add(1)
	rb.trackHighWater(w + 1)
	return nil
}

// WriteBlock writes a channel-major block frame by frame and returns the
// number of frames stored. It stops at the first failed write.
func (rb *RingBuffer) WriteBlock(block [][]float32) (int, error) {
	if len(block) != rb.cfg.ChannelCount {
		return 0, errors.New(fmt.Errorf("got %d channels, want %d: %w",
			len(block), rb.cfg.ChannelCount, ErrInvalidVector)).
			Component("buffer").
			Category(errors.CategoryConfiguration).
			Build()
	}
	frames := len(block[0])
	for _, ch := range block[1:] {
		if len(ch) != frames {
			return 0, errors.New(fmt.Errorf("ragged block: %w", ErrInvalidVector)).
				Component("buffer").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	frame := make([]float32, rb.cfg.ChannelCount)
	for i := range frames {
		for ch := range block {
			frame[ch] = block[ch][i]
		}
		if err := rb.Write(frame); err != nil {
			return i, err
		}
	}
	return frames, nil
}

// dropOldest advances the read cursor past the oldest frame. It runs
// before the producer overwrites that frame's slot.
func (rb *RingBuffer) dropOldest(w uint64) {
	rb.cursorMu.Lock()
	r := rb.readCursor.Load()
	if w-r >= rb.capacity {
		rb.readCursor.Store(w - rb.capacity + 1)
		rb.overflows.Add(w - rb.capacity + 1 - r)
	}
	rb.cursorMu.Unlock()
}

func (rb *RingBuffer) waitForSpace(w uint64) bool {
	if rb.cfg.BlockTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(rb.cfg.BlockTimeout)
	defer timer.Stop()
	for {
		select {
		case <-rb.space:
			if w-rb.readCursor.Load() < rb.capacity {
				return true
			}
		case <-timer.C:
			return w-rb.readCursor.Load() < rb.capacity
		}
	}
}

func (rb *RingBuffer) trackHighWater(w uint64) {
	pending := int64(w - rb.readCursor.Load())
	for {
		cur := rb.highWater.Load()
		if pending <= cur || rb.highWater.CompareAndSwap(cur, pending) {
			return
		}
	}
}

// drain copies up to maxSamples of the oldest frames through fn and
// advances the read cursor. fn receives the frame offset and slot index.
func (rb *RingBuffer) drain(maxSamples int, alloc func(n int), fn func(i, idx int)) int {
	if maxSamples <= 0 {
		return 0
	}

	rb.cursorMu.Lock()
	r := rb.readCursor.Load()
	w := rb.writeCursor.Load()
	n := min(int(w-r), maxSamples)
	rb.cursorMu.Unlock()

	if n <= 0 {
		return 0
	}

	alloc(n)
	for i := range n {
		fn(i, rb.slot(r+uint64(i)))
	}

	// Frames the overwrite path dropped while we copied are stale
	rb.cursorMu.Lock()
	cur := rb.readCursor.Load()
	skip := 0
	if cur > r {
		skip = min(int(cur-r), n)
	}
	if end := r + uint64(n); end > cur {
		rb.readCursor.Store(end)
	}
	rb.cursorMu.Unlock()

	if got := n - skip; got > 0 {
		rb.read.Add(uint64(got))
	}

	select {
	case rb.space <- struct{}{}:
	default:
	}
	return skip
}

// Read removes and returns up to maxSamples of the oldest frames, each a
// slice of ChannelCount samples. It never blocks and returns nil when
// nothing is pending.
func (rb *RingBuffer) Read(maxSamples int) [][]float32 {
	var frames [][]float32
	skip := rb.drain(maxSamples,
		func(n int) {
			backing := make([]float32, n*rb.cfg.ChannelCount)
			frames = make([][]float32, n)
			for i := range frames {
				frames[i] = backing[i*rb.cfg.ChannelCount : (i+1)*rb.cfg.ChannelCount : (i+1)*rb.cfg.ChannelCount]
			}
		},
		func(i, idx int) {
			for ch := range rb.cfg.ChannelCount {
				frames[i][ch] = rb.data[ch*rb.stride+idx]
			}
		})
	if len(frames) == skip {
		return nil
	}
	return frames[skip:]
}

// ReadChannels drains like Read but returns a channel-major matrix
// [channel][n]. It returns nil when nothing is pending.
func (rb *RingBuffer) ReadChannels(maxSamples int) [][]float32 {
	var channels [][]float32
	var count int
	skip := rb.drain(maxSamples,
		func(n int) {
			count = n
			channels = make([][]float32, rb.cfg.ChannelCount)
			for ch := range channels {
				channels[ch] = make([]float32, n)
			}
		},
		func(i, idx int) {
			for ch := range channels {
				channels[ch][i] = rb.data[ch*rb.stride+idx]
			}
		})
	if count == skip {
		return nil
	}
	if skip > 0 {
		for ch := range channels {
			channels[ch] = channels[ch][skip:]
		}
	}
	return channels
}

// Pending returns the number of unread frames
func (rb *RingBuffer) Pending() int {
	r := rb.readCursor.Load()
	w := rb.writeCursor.Load()
	if w <= r {
		return 0
	}
	return int(min(w-r, rb.capacity))
}

// UsagePercent returns pending frames as a percentage of capacity
func (rb *RingBuffer) UsagePercent() float64 {
	return float64(rb.Pending()) / float64(rb.capacity) * 100
}

// Stats returns a snapshot of the buffer counters
func (rb *RingBuffer) Stats() Stats {
	return Stats{
		Written:       rb.written.Load(),
		Read:          rb.read.Load(),
		OverflowCount: rb.overflows.Load(),
		HighWaterMark: int(rb.highWater.Load()),
		Rejected:      rb.rejected.Load(),
	}
}

// Reset discards pending frames. Counters are kept.
func (rb *RingBuffer) Reset() {
	rb.cursorMu.Lock()
	rb.readCursor.Store(rb.writeCursor.Load())
	rb.cursorMu.Unlock()

	select {
	case rb.space <- struct{}{}:
	default:
	}
}
