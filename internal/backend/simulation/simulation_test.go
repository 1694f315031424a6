package simulation

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

type sink struct {
	mu     sync.Mutex
	blocks [][][]float32
	times  []time.Time
	faults []error
}

func (s *sink) onBlock(b [][]float32, ts time.Time) {
	s.mu.Lock()
	s.blocks = append(s.blocks, b)
	s.times = append(s.times, ts)
	s.mu.Unlock()
}

func (s *sink) onFault(err error) {
	s.mu.Lock()
	s.faults = append(s.faults, err)
	s.mu.Unlock()
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

func configure(t *testing.T, extra map[string]any) *Backend {
	t.Helper()
	b := New(logging.Discard())
	require.NoError(t, b.Configure(backend.Params{
		SampleRateHz: 32,
		ChannelCount: 8,
		Extra:        extra,
	}))
	return b
}

var _ backend.Backend = (*Backend)(nil)

func TestProducesChannelMajorBlocks(t *testing.T) {
	t.Parallel()

	b := configure(t, map[string]any{ExtraBlockSize: 4, ExtraTimeScale: 50.0})
	s := &sink{}
	require.NoError(t, b.Start(s.onBlock, s.onFault))
	require.Eventually(t, func() bool { return s.count() >= 5 }, 2*time.Second, 2*time.Millisecond)
	require.NoError(t, b.Stop())

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, blk := range s.blocks {
		require.Len(t, blk, 8)
		for _, ch := range blk {
			require.Len(t, ch, 4)
			for _, v := range ch {
				assert.LessOrEqual(t, math.Abs(float64(v)), 1+DefaultNoise+1e-6)
			}
		}
	}
	// simulated timestamps advance by exactly one block at the sample rate
	step := s.times[1].Sub(s.times[0])
	assert.InDelta(t, float64(125*time.Millisecond), float64(step), float64(time.Millisecond))
	assert.Empty(t, s.faults)
}

func TestChannelsAreDistinct(t *testing.T) {
	t.Parallel()

	b := configure(t, map[string]any{ExtraBlockSize: 64, ExtraNoise: 0.0, ExtraTimeScale: 100.0})
	s := &sink{}
	require.NoError(t, b.Start(s.onBlock, nil))
	require.Eventually(t, func() bool { return s.count() >= 1 }, 2*time.Second, 2*time.Millisecond)
	require.NoError(t, b.Stop())

	s.mu.Lock()
	blk := s.blocks[0]
	s.mu.Unlock()
	for c := 1; c < len(blk); c++ {
		assert.NotEqual(t, blk[0], blk[c], "channel %d duplicates channel 0", c)
	}
}

func TestDeterministicWithSeed(t *testing.T) {
	t.Parallel()

	first := func() [][]float32 {
		b := configure(t, map[string]any{ExtraBlockSize: 16, ExtraSeed: 42, ExtraTimeScale: 100.0})
		s := &sink{}
		require.NoError(t, b.Start(s.onBlock, nil))
		require.Eventually(t, func() bool { return s.count() >= 1 }, 2*time.Second, 2*time.Millisecond)
		require.NoError(t, b.Stop())
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.blocks[0]
	}
	assert.Equal(t, first(), first())
}

func TestFaultInjection(t *testing.T) {
	t.Parallel()

	b := configure(t, map[string]any{ExtraBlockSize: 2, ExtraFailAfterBlocks: 3, ExtraTimeScale: 100.0})
	s := &sink{}
	require.NoError(t, b.Start(s.onBlock, s.onFault))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.faults) == 1
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, 3, s.count())
	assert.ErrorIs(t, s.faults[0], ErrInjectedFault)
	require.NoError(t, b.Stop())
}

func TestStopIsBoundedAndIdempotent(t *testing.T) {
	t.Parallel()

	b := configure(t, nil)
	require.NoError(t, b.Start(func([][]float32, time.Time) {}, nil))

	start := time.Now()
	require.NoError(t, b.Stop())
	assert.Less(t, time.Since(start), 250*time.Millisecond, "two block periods at 32 Hz")
	require.NoError(t, b.Stop())
}

func TestStopTimesOutOnStuckConsumer(t *testing.T) {
	t.Parallel()

	b := configure(t, map[string]any{ExtraBlockSize: 1, ExtraTimeScale: 10.0})
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	require.NoError(t, b.Start(func([][]float32, time.Time) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}, nil))
	<-entered

	err := b.Stop()
	assert.ErrorIs(t, err, backend.ErrStopTimeout)
	close(release)

	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	<-done
}

func TestConfigureValidation(t *testing.T) {
	t.Parallel()

	b := New(logging.Discard())
	assert.ErrorIs(t, b.Configure(backend.Params{SampleRateHz: 0, ChannelCount: 1}), backend.ErrInvalidParams)
	assert.ErrorIs(t, b.Configure(backend.Params{SampleRateHz: 32, ChannelCount: 1,
		Extra: map[string]any{ExtraBlockSize: 0}}), backend.ErrInvalidParams)
	assert.ErrorIs(t, b.Start(nil, nil), backend.ErrNotConfigured)

	require.NoError(t, b.Configure(backend.Params{SampleRateHz: 32, ChannelCount: 1}))
	require.NoError(t, b.Start(nil, nil))
	assert.ErrorIs(t, b.Start(nil, nil), backend.ErrAlreadyRunning)
	assert.ErrorIs(t, b.Configure(backend.Params{SampleRateHz: 32, ChannelCount: 1}), backend.ErrAlreadyRunning)
	require.NoError(t, b.Stop())
}
