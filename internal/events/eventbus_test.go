package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gameminde/Chneowave-sub003/internal/logging"
	"github.com/Gameminde/Chneowave-sub003/internal/session"
)

// recordingConsumer collects every data block it is handed
type recordingConsumer struct {
	delay time.Duration
	count atomic.Int32

	mu     sync.Mutex
	blocks []DataBlock
	events []Event
}

func (r *recordingConsumer) handleData(b DataBlock) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.blocks = append(r.blocks, b)
	r.mu.Unlock()
	r.count.Add(1)
	return nil
}

func (r *recordingConsumer) handleEvent(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.count.Add(1)
	return nil
}

func (r *recordingConsumer) snapshot() []DataBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DataBlock, len(r.blocks))
	copy(out, r.blocks)
	return out
}

// waitForCount waits for the consumer to handle n items or fails the test
func waitForCount(t *testing.T, r *recordingConsumer, expected int32, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			require.Failf(t, "timeout waiting for events", "expected %d, got %d", expected, r.count.Load())
		case <-ticker.C:
			if r.count.Load() >= expected {
				return
			}
		}
	}
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := New(WithLogger(logging.Discard()))
	t.Cleanup(func() { _ = bus.Close(time.Second) })
	return bus
}

func block(seq uint64) DataBlock {
	return DataBlock{
		Samples:      [][]float32{{float32(seq)}, {float32(seq) + 0.5}},
		Timestamp:    time.Now(),
		SampleRate:   32,
		ChannelCount: 2,
		SequenceID:   seq,
		SessionID:    "s1",
	}
}

func TestSlowSubscriberSeesEveryBlockInOrder(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	slow := &recordingConsumer{delay: 200 * time.Microsecond}
	_, err := bus.SubscribeData("slow", slow.handleData)
	require.NoError(t, err)

	const total = 1000
	start := time.Now()
	for seq := uint64(1); seq <= total; seq++ {
		bus.PublishDataBlock(block(seq))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "publisher must not wait for the slow handler")

	waitForCount(t, slow, total, 10*time.Second)

	got := slow.snapshot()
	require.Len(t, got, total)
	for i, b := range got {
		require.Equal(t, uint64(i+1), b.SequenceID, "gap or reorder at %d", i)
	}
}

func TestSlowSubscriberDoesNotDelayOthers(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	release := make(chan struct{})
	_, err := bus.SubscribeData("stalled", func(DataBlock) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	defer close(release)

	fast := &recordingConsumer{}
	_, err = bus.SubscribeData("fast", fast.handleData)
	require.NoError(t, err)

	for seq := range uint64(50) {
		bus.PublishDataBlock(block(seq))
	}
	waitForCount(t, fast, 50, 2*time.Second)
}

func TestLateSubscriberSeesOnlyLaterBlocks(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	early := &recordingConsumer{}
	_, err := bus.SubscribeData("early", early.handleData)
	require.NoError(t, err)

	bus.PublishDataBlock(block(1))

	late := &recordingConsumer{}
	_, err = bus.SubscribeData("late", late.handleData)
	require.NoError(t, err)

	bus.PublishDataBlock(block(2))

	waitForCount(t, early, 2, time.Second)
	waitForCount(t, late, 1, time.Second)
	assert.Equal(t, uint64(2), late.snapshot()[0].SequenceID)
}

func TestPublishedBlockIsACopy(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	rec := &recordingConsumer{}
	_, err := bus.SubscribeData("copy", rec.handleData)
	require.NoError(t, err)

	b := block(7)
	bus.PublishDataBlock(b)
	b.Samples[0][0] = -1

	waitForCount(t, rec, 1, time.Second)
	assert.InDelta(t, 7.0, rec.snapshot()[0].Samples[0][0], 0)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	var calls atomic.Int32
	_, err := bus.SubscribeData("panicky", func(b DataBlock) error {
		calls.Add(1)
		if b.SequenceID == 1 {
			panic("bad block")
		}
		if b.SequenceID == 2 {
			return fmt.Errorf("rejected")
		}
		return nil
	})
	require.NoError(t, err)

	for seq := uint64(1); seq <= 3; seq++ {
		bus.PublishDataBlock(block(seq))
	}

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bus.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.HandlerPanics)
	assert.Equal(t, uint64(1), stats.HandlerErrors)
	assert.Equal(t, uint64(3), stats.BlocksPublished)
}

func TestLifecycleAndDataAreSeparated(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	data := &recordingConsumer{}
	life := &recordingConsumer{}
	_, err := bus.SubscribeData("data", data.handleData)
	require.NoError(t, err)
	_, err = bus.SubscribeLifecycle("life", life.handleEvent)
	require.NoError(t, err)

	bus.SessionStarted(SessionInfo{SessionID: "s1"})
	bus.SessionStateChanged(StateChange{SessionID: "s1", From: session.Starting, To: session.Running})
	bus.PublishDataBlock(block(1))
	bus.SessionFinished(SessionStats{SessionID: "s1", FinalState: session.Finished})

	waitForCount(t, life, 3, time.Second)
	waitForCount(t, data, 1, time.Second)

	life.mu.Lock()
	defer life.mu.Unlock()
	kinds := make([]Kind, 0, len(life.events))
	for _, e := range life.events {
		kinds = append(kinds, e.Kind())
	}
	assert.Equal(t, []Kind{KindSessionStarted, KindStateChanged, KindSessionFinished}, kinds)
}

func TestCombinedSubscriberKeepsPublishOrder(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	all := &recordingConsumer{}
	_, err := bus.Subscribe("all", all.handleEvent)
	require.NoError(t, err)

	bus.SessionStarted(SessionInfo{SessionID: "s1"})
	bus.PublishDataBlock(block(1))
	bus.PublishDataBlock(block(2))
	bus.SessionFinished(SessionStats{SessionID: "s1"})

	waitForCount(t, all, 4, time.Second)
	all.mu.Lock()
	defer all.mu.Unlock()
	assert.Equal(t, KindSessionStarted, all.events[0].Kind())
	assert.Equal(t, KindDataBlock, all.events[1].Kind())
	assert.Equal(t, KindDataBlock, all.events[2].Kind())
	assert.Equal(t, KindSessionFinished, all.events[3].Kind())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	rec := &recordingConsumer{}
	id, err := bus.SubscribeData("gone", rec.handleData)
	require.NoError(t, err)

	bus.PublishDataBlock(block(1))
	waitForCount(t, rec, 1, time.Second)

	require.NoError(t, bus.UnsubscribeData(id))
	assert.Error(t, bus.UnsubscribeData(id), "double unsubscribe is reported")
	assert.Equal(t, -1, bus.QueueDepth(id))

	bus.PublishDataBlock(block(2))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), rec.count.Load())
}

func TestQueueDepthExposesBacklog(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	release := make(chan struct{})
	id, err := bus.SubscribeData("stalled", func(DataBlock) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	for seq := range uint64(10) {
		bus.PublishDataBlock(block(seq))
	}
	require.Eventually(t, func() bool { return bus.QueueDepth(id) == 9 }, time.Second, time.Millisecond,
		"one block is in the handler, nine are queued")
	assert.Equal(t, 9, bus.QueueDepths()["stalled"])
	close(release)
}

func TestCloseDrainsQueues(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(logging.Discard()))
	rec := &recordingConsumer{delay: time.Millisecond}
	_, err := bus.SubscribeData("drain", rec.handleData)
	require.NoError(t, err)

	for seq := range uint64(20) {
		bus.PublishDataBlock(block(seq))
	}
	require.NoError(t, bus.Close(2*time.Second))
	assert.Equal(t, int32(20), rec.count.Load())

	bus.PublishDataBlock(block(99))
	assert.Equal(t, uint64(1), bus.Stats().Dropped)

	_, err = bus.SubscribeData("late", rec.handleData)
	assert.Error(t, err)
	assert.NoError(t, bus.Close(time.Second), "second close is a no-op")
}

func TestCloseTimesOut(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(logging.Discard()))
	release := make(chan struct{})
	_, err := bus.SubscribeData("stuck", func(DataBlock) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	bus.PublishDataBlock(block(1))
	time.Sleep(10 * time.Millisecond)

	assert.Error(t, bus.Close(20*time.Millisecond))
	close(release)
	require.Eventually(t, func() bool { return bus.fanout.Stats().Delivered == 1 }, time.Second, time.Millisecond)
}
