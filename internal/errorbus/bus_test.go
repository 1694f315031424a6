package errorbus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	bus := New(append([]Option{WithLogger(logging.Discard())}, opts...)...)
	t.Cleanup(func() { _ = bus.Close(time.Second) })
	return bus
}

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(m Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, WithHistorySize(5))
	for i := range 12 {
		bus.Info("test", fmt.Sprintf("msg %d", i))
	}

	assert.Equal(t, 5, bus.Count())
	hist := bus.History(Filter{})
	require.Len(t, hist, 5)
	for i, m := range hist {
		assert.Equal(t, fmt.Sprintf("msg %d", 7+i), m.Message, "oldest evicted first")
	}
	assert.Equal(t, uint64(12), bus.Counts()[Info])
}

func TestDefaultHistorySize(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	for i := range DefaultHistorySize + 10 {
		bus.Info("test", fmt.Sprintf("msg %d", i))
	}
	assert.Equal(t, DefaultHistorySize, bus.Count())
	assert.Equal(t, "msg 10", bus.History(Filter{})[0].Message)
}

func TestHistoryQueries(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	bus.Info("adapter", "backend selected", "backend", "simulation")
	bus.Warning("adapter", "falling back to simulation")
	bus.Error("mqtt", "decode failed")
	bus.Critical("adapter", "backend fault")
	bus.Warning("buffer", "usage above threshold")

	assert.Len(t, bus.ByLevel(Warning), 2)
	assert.Len(t, bus.History(Filter{MinLevel: Error}), 2)
	assert.Len(t, bus.History(Filter{Source: "adapter"}), 3)

	recent := bus.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "backend fault", recent[0].Message)
	assert.Equal(t, "usage above threshold", recent[1].Message)
	assert.Nil(t, bus.Recent(0))

	info := bus.ByLevel(Info)
	require.Len(t, info, 1)
	assert.Equal(t, "simulation", info[0].Context["backend"])

	bus.Clear()
	assert.Zero(t, bus.Count())
}

func TestHistoryReturnsCopies(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	ctx := map[string]any{"channel": 3}
	bus.Publish(Message{Level: Warning, Message: "clipped", Source: "sim", Context: ctx})
	ctx["channel"] = 99

	got := bus.History(Filter{})[0]
	assert.Equal(t, 3, got.Context["channel"])
	got.Context["channel"] = 42
	assert.Equal(t, 3, bus.History(Filter{})[0].Context["channel"])
	assert.False(t, got.Timestamp.IsZero(), "timestamp is filled in")
}

func TestSubscribersReceiveInOrder(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	c := &collector{}
	_, err := bus.Subscribe("diag", c.handle)
	require.NoError(t, err)

	for i := range 200 {
		bus.Warning("test", fmt.Sprintf("%d", i))
	}
	require.Eventually(t, func() bool { return c.len() == 200 }, 2*time.Second, 5*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.msgs {
		assert.Equal(t, fmt.Sprintf("%d", i), m.Message)
	}
}

func TestSubscribeLevel(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	c := &collector{}
	id, err := bus.SubscribeLevel("pager", Critical, c.handle)
	require.NoError(t, err)

	bus.Warning("a", "w")
	bus.Critical("a", "c")
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Unsubscribe(id))
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, WithDedupWindow(50*time.Millisecond))
	c := &collector{}
	_, err := bus.Subscribe("diag", c.handle)
	require.NoError(t, err)

	for range 5 {
		bus.Warning("buffer", "usage above threshold")
	}
	for range 3 {
		bus.Critical("adapter", "backend fault")
	}

	assert.Equal(t, uint64(4), bus.Suppressed())
	assert.Len(t, bus.ByLevel(Warning), 1)
	assert.Len(t, bus.ByLevel(Critical), 3, "critical messages are never suppressed")

	time.Sleep(80 * time.Millisecond)
	bus.Warning("buffer", "usage above threshold")
	assert.Len(t, bus.ByLevel(Warning), 2, "window expired")

	require.Eventually(t, func() bool { return c.len() == 5 }, time.Second, 5*time.Millisecond)
}

func TestPublishErrorCarriesContext(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	err := errors.Newf("device vanished").
		Component("backend.malgo").
		Category(errors.CategoryDevice).
		Context("device_id", "hw:1").
		Build()

	bus.PublishError(Critical, "adapter", fmt.Errorf("capture: %w", err))
	bus.PublishError(Critical, "adapter", nil)

	hist := bus.History(Filter{})
	require.Len(t, hist, 1)
	assert.Equal(t, "capture: device vanished", hist[0].Message)
	assert.Equal(t, "device", hist[0].Context["category"])
	assert.Equal(t, "backend.malgo", hist[0].Context["component"])
	assert.Equal(t, "hw:1", hist[0].Context["device_id"])
	assert.NotContains(t, hist[0].Context, "priority")
}

func TestPublishErrorCarriesPriorityAndTiming(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	bus.PublishError(Error, "acquisition", errors.Newf("backend did not stop").
		Category(errors.CategoryTimeout).
		Priority(errors.PriorityHigh).
		Timing("stop_backend", 1500*time.Millisecond).
		Build())

	hist := bus.History(Filter{})
	require.Len(t, hist, 1)
	assert.Equal(t, errors.PriorityHigh, hist[0].Context["priority"])
	assert.Equal(t, "stop_backend", hist[0].Context["operation"])
	assert.Equal(t, int64(1500), hist[0].Context["duration_ms"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	l, err := ParseLevel("Warning")
	require.NoError(t, err)
	assert.Equal(t, Warning, l)

	_, err = ParseLevel("fatal")
	assert.Error(t, err)
	assert.Equal(t, "CRITICAL", Critical.String())
}
