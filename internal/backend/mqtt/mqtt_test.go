package mqtt

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/smallnest/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

var _ backend.Backend = (*Backend)(nil)

// encode builds an interleaved little-endian payload for frames
func encode(frames [][]float32) []byte {
	var out []byte
	for _, f := range frames {
		for _, v := range f {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out
}

func newConfigured(t *testing.T, channels int, extra map[string]any) (*Backend, *[][][]float32) {
	t.Helper()
	b := New(Config{Broker: "tcp://127.0.0.1:1883", Topics: []string{"logger/a", "logger/b"}}, logging.Discard())
	require.NoError(t, b.Configure(backend.Params{SampleRateHz: 32, ChannelCount: channels, Extra: extra}))

	var blocks [][][]float32
	b.onBlock = func(block [][]float32, _ time.Time) { blocks = append(blocks, block) }
	b.ring = ringbuffer.New(b.ringSize)
	b.scratch = make([]byte, b.ringSize)
	return b, &blocks
}

func TestReassemblesSplitFrames(t *testing.T) {
	t.Parallel()

	b, blocks := newConfigured(t, 3, nil)
	payload := encode([][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}})

	// split mid-sample and mid-frame
	b.ingest(payload[:5], time.Now())
	assert.Empty(t, *blocks, "no whole frame yet")
	b.ingest(payload[5:20], time.Now())
	b.ingest(payload[20:], time.Now())

	var got [][]float32
	for range 3 {
		got = append(got, make([]float32, 0))
	}
	for _, blk := range *blocks {
		require.Len(t, blk, 3)
		for c := range blk {
			got[c] = append(got[c], blk[c]...)
		}
	}
	assert.Equal(t, [][]float32{{1, 4, 7}, {2, 5, 8}, {3, 6, 9}}, got)
	assert.Zero(t, b.ring.Length())
}

func TestLargePayloadPassesThroughSmallRing(t *testing.T) {
	t.Parallel()

	b, blocks := newConfigured(t, 2, map[string]any{ExtraReassemblyBytes: 20})
	assert.Equal(t, 16, b.ringSize, "ring holds whole frames only")

	frames := make([][]float32, 50)
	for i := range frames {
		frames[i] = []float32{float32(i), float32(-i)}
	}
	b.ingest(encode(frames), time.Now())

	total := 0
	next := 0
	for _, blk := range *blocks {
		for i, v := range blk[0] {
			assert.InDelta(t, float32(next), v, 0)
			assert.InDelta(t, float32(-next), blk[1][i], 0)
			next++
		}
		total += len(blk[0])
	}
	assert.Equal(t, 50, total)
	assert.Zero(t, b.Overruns())
}

func TestConfigureSelectsTopic(t *testing.T) {
	t.Parallel()

	b := New(Config{Broker: "tcp://127.0.0.1:1883", Topics: []string{"logger/a", "logger/b"}}, logging.Discard())
	require.NoError(t, b.Configure(backend.Params{SampleRateHz: 32, ChannelCount: 8}))
	assert.Equal(t, "logger/a", b.topic)

	require.NoError(t, b.Configure(backend.Params{SampleRateHz: 32, ChannelCount: 8, DeviceID: "logger/b"}))
	assert.Equal(t, "logger/b", b.topic)

	err := b.Configure(backend.Params{SampleRateHz: 32, ChannelCount: 8, DeviceID: "logger/c"})
	assert.ErrorIs(t, err, backend.ErrUnavailable)

	err = b.Configure(backend.Params{SampleRateHz: 32, ChannelCount: 8,
		Extra: map[string]any{ExtraReassemblyBytes: 8}})
	assert.ErrorIs(t, err, backend.ErrInvalidParams)

	devices, err := b.DetectDevices()
	require.NoError(t, err)
	assert.Equal(t, []backend.DeviceID{"logger/a", "logger/b"}, devices)
}

func TestUnconfiguredBrokerIsUnavailable(t *testing.T) {
	t.Parallel()

	assert.False(t, New(Config{}, logging.Discard()).IsAvailable())
	assert.False(t, New(Config{Broker: "tcp://127.0.0.1:1883"}, logging.Discard()).IsAvailable(), "no topics")

	b := New(Config{}, logging.Discard())
	assert.ErrorIs(t, b.Configure(backend.Params{SampleRateHz: 32, ChannelCount: 1}), backend.ErrInvalidParams)
	assert.ErrorIs(t, b.Start(nil, nil), backend.ErrNotConfigured)
	assert.NoError(t, b.Stop())
}

// stuckToken never completes unless done is set
type stuckToken struct {
	done bool
	err  error
}

func (t stuckToken) Wait() bool                     { return t.done }
func (t stuckToken) WaitTimeout(time.Duration) bool { return t.done }
func (t stuckToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (t stuckToken) Error() error                   { return t.err }

var _ paho.Token = stuckToken{}

func TestSubscribeResult(t *testing.T) {
	t.Parallel()

	err := subscribeResult("site/a", stuckToken{}, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, "subscribe to site/a timed out after 50ms", err.Error())
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))

	err = subscribeResult("site/a", stuckToken{done: true, err: errors.NewStd("not authorized")}, time.Second)
	require.Error(t, err)
	assert.Equal(t, "subscribe to site/a: not authorized", err.Error())
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))

	assert.NoError(t, subscribeResult("site/a", stuckToken{done: true}, time.Second))
}
