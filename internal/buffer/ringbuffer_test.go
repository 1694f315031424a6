package buffer

import (
	"math"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, channels, capacity int, policy OverflowPolicy) *RingBuffer {
	t.Helper()
	rb, err := New(Config{
		ChannelCount:                 channels,
		CapacityPerChannel:           capacity,
		SampleRateHz:                 32,
		OverflowPolicy:               policy,
		OverflowWarnThresholdPercent: 80,
		MemoryBudgetBytes:            16 << 20,
	})
	require.NoError(t, err)
	return rb
}

// frame builds a recognisable frame: channel c of frame n holds n*100+c
func frame(n, channels int) []float32 {
	f := make([]float32, channels)
	for c := range f {
		f[c] = float32(n*100 + c)
	}
	return f
}

func TestRoundTripIsExact(t *testing.T) {
	t.Parallel()

	for _, capacity := range []int{64, 100} {
		rb := newTestBuffer(t, 4, capacity, PolicyBlock)

		// NaN payloads and negative zero must survive bit for bit
		special := []float32{float32(math.NaN()), float32(math.Copysign(0, -1)), math.MaxFloat32, math.SmallestNonzeroFloat32}
		require.NoError(t, rb.Write(special))
		for n := 1; n < capacity; n++ {
			require.NoError(t, rb.Write(frame(n, 4)))
		}
		assert.Equal(t, capacity, rb.Pending())

		got := rb.Read(capacity)
		require.Len(t, got, capacity)
		for c, v := range special {
			assert.Equal(t, math.Float32bits(v), math.Float32bits(got[0][c]))
		}
		for n := 1; n < capacity; n++ {
			assert.Equal(t, frame(n, 4), got[n])
		}
		assert.Zero(t, rb.Pending())
		assert.Nil(t, rb.Read(10), "empty buffer returns nothing")
	}
}

func TestWriteRejectsWrongVectorLength(t *testing.T) {
	t.Parallel()

	rb := newTestBuffer(t, 3, 16, PolicyOverwrite)
	err := rb.Write([]float32{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidVector)
	assert.Zero(t, rb.Pending())
	assert.Zero(t, rb.Stats().Written)
}

func TestOverwriteKeepsMostRecent(t *testing.T) {
	t.Parallel()

	const capacity, k = 32, 13
	rb := newTestBuffer(t, 2, capacity, PolicyOverwrite)

	for n := range capacity + k {
		require.NoError(t, rb.Write(frame(n, 2)))
		assert.LessOrEqual(t, rb.Pending(), capacity)
	}

	stats := rb.Stats()
	assert.Equal(t, uint64(k), stats.OverflowCount)
	assert.Equal(t, capacity, stats.HighWaterMark)

	got := rb.Read(capacity + k)
	require.Len(t, got, capacity)
	for i, f := range got {
		assert.Equal(t, frame(k+i, 2), f)
	}
}

func TestBlockPolicyRejectsWhenFull(t *testing.T) {
	t.Parallel()

	rb := newTestBuffer(t, 2, 8, PolicyBlock)
	for n := range 8 {
		require.NoError(t, rb.Write(frame(n, 2)))
	}

	err := rb.Write(frame(99, 2))
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, uint64(1), rb.Stats().Rejected)
	assert.Equal(t, 8, rb.Pending())

	// the rejected frame left stored data untouched
	got := rb.Read(8)
	for n, f := range got {
		assert.Equal(t, frame(n, 2), f)
	}

	require.NoError(t, rb.Write(frame(8, 2)), "buffer full is recoverable")
}

func TestBlockPolicyWaitsForConsumer(t *testing.T) {
	t.Parallel()

	rb, err := New(Config{
		ChannelCount:                 1,
		CapacityPerChannel:           4,
		SampleRateHz:                 32,
		OverflowWarnThresholdPercent: 80,
		BlockTimeout:                 time.Second,
		MemoryBudgetBytes:            1 << 20,
	})
	require.NoError(t, err)
	for n := range 4 {
		require.NoError(t, rb.Write(frame(n, 1)))
	}

	done := make(chan error, 1)
	go func() { done <- rb.Write(frame(4, 1)) }()

	time.Sleep(20 * time.Millisecond)
	require.Len(t, rb.Read(1), 1)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked write did not resume after read")
	}
}

func TestBackpressureLosesNothing(t *testing.T) {
	t.Parallel()

	const total = 5000
	rb := newTestBuffer(t, 3, 64, PolicyBlock)

	var wg sync.WaitGroup
	var fullCount int
	wg.Go(func() {
		for n := 0; n < total; {
			err := rb.Write(frame(n, 3))
			if err != nil {
				fullCount++
				time.Sleep(50 * time.Microsecond)
				continue
			}
			n++
		}
	})

	received := make([][]float32, 0, total)
	deadline := time.Now().Add(10 * time.Second)
	for len(received) < total && time.Now().Before(deadline) {
		received = append(received, rb.Read(7)...)
		assert.LessOrEqual(t, rb.Pending(), 64)
		time.Sleep(100 * time.Microsecond)
	}
	wg.Wait()

	require.Len(t, received, total)
	for n, f := range received {
		require.Equal(t, frame(n, 3), f, "frame %d", n)
	}
	stats := rb.Stats()
	assert.Zero(t, stats.OverflowCount)
	assert.Equal(t, uint64(fullCount), stats.Rejected)
	assert.Equal(t, uint64(total), stats.Read)
}

func TestConcurrentOverwriteNeverCorrupts(t *testing.T) {
	t.Parallel()

	const total = 20000
	rb := newTestBuffer(t, 2, 16, PolicyOverwrite)

	var wg sync.WaitGroup
	wg.Go(func() {
		for n := range total {
			_ = rb.Write(frame(n, 2))
		}
	})

	last := -1
	var got uint64
	readLoop := func() int {
		frames := rb.Read(5)
		for _, f := range frames {
			n := int(f[0]) / 100
			require.Equal(t, frame(n, 2), f, "torn frame")
			require.Greater(t, n, last, "frames must stay in order")
			last = n
			got++
		}
		return len(frames)
	}
	for rb.Stats().Written < total {
		readLoop()
	}
	wg.Wait()
	// drain whatever the writer left behind
	for readLoop() > 0 {
	}
	assert.Zero(t, rb.Pending())

	stats := rb.Stats()
	assert.Equal(t, uint64(total), got+stats.OverflowCount, "every frame is either read or counted as dropped")
}

func TestReadChannelsIsChannelMajor(t *testing.T) {
	t.Parallel()

	rb := newTestBuffer(t, 3, 16, PolicyBlock)
	for n := range 5 {
		require.NoError(t, rb.Write(frame(n, 3)))
	}

	got := rb.ReadChannels(4)
	require.Len(t, got, 3)
	for c := range 3 {
		require.Len(t, got[c], 4)
		for n := range 4 {
			assert.InDelta(t, float32(n*100+c), got[c][n], 0)
		}
	}
	assert.Equal(t, 1, rb.Pending())
	assert.Nil(t, newTestBuffer(t, 3, 16, PolicyBlock).ReadChannels(4))
}

func TestWriteBlock(t *testing.T) {
	t.Parallel()

	rb := newTestBuffer(t, 2, 4, PolicyBlock)
	n, err := rb.WriteBlock([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = rb.WriteBlock([][]float32{{7, 8}, {9, 10}})
	assert.Equal(t, 1, n, "stops at the first rejected frame")
	assert.ErrorIs(t, err, ErrBufferFull)

	_, err = rb.WriteBlock([][]float32{{1}, {2, 3}})
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestUsagePercentAndReset(t *testing.T) {
	t.Parallel()

	rb := newTestBuffer(t, 1, 10, PolicyBlock)
	for n := range 8 {
		require.NoError(t, rb.Write(frame(n, 1)))
	}
	assert.InDelta(t, 80.0, rb.UsagePercent(), 0.001)

	rb.Reset()
	assert.Zero(t, rb.Pending())
	assert.Equal(t, uint64(8), rb.Stats().Written, "reset keeps counters")
}

func TestChannelsAreAligned(t *testing.T) {
	t.Parallel()

	rb, err := New(Config{
		ChannelCount:                 3,
		CapacityPerChannel:           10,
		SampleRateHz:                 1,
		OverflowWarnThresholdPercent: 80,
		SIMDAlignment:                64,
		MemoryBudgetBytes:            1 << 20,
	})
	require.NoError(t, err)

	for c := range 3 {
		addr := uintptr(unsafe.Pointer(&rb.data[c*rb.stride]))
		assert.Zero(t, addr%64, "channel %d", c)
	}
}
