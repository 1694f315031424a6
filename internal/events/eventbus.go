package events

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

// DefaultCloseTimeout bounds Close when callers have no better value
const DefaultCloseTimeout = 5 * time.Second

// Bus is the data and lifecycle channel. It is constructed once by the
// application and handed to every component that publishes or consumes.
type Bus struct {
	fanout *Fanout[Event]
	logger *slog.Logger

	blocks    atomic.Uint64
	lifecycle atomic.Uint64
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the bus logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an event bus with no subscribers
func New(opts ...Option) *Bus {
	b := &Bus{logger: logging.ForService("events")}
	for _, opt := range opts {
		opt(b)
	}
	b.fanout = NewFanout[Event]("events", b.logger)
	return b
}

func isData(e Event) bool      { return e.Kind() == KindDataBlock }
func isLifecycle(e Event) bool { return e.Kind() != KindDataBlock }

// SubscribeData registers a handler for data blocks only
func (b *Bus) SubscribeData(name string, h DataHandler) (SubscriptionID, error) {
	if h == nil {
		return b.fanout.SubscribeFunc(name, isData, nil)
	}
	return b.fanout.SubscribeFunc(name, isData, func(e Event) error {
		return h(e.(DataBlock))
	})
}

// UnsubscribeData removes a data subscriber
func (b *Bus) UnsubscribeData(id SubscriptionID) error {
	return b.fanout.Unsubscribe(id)
}

// SubscribeLifecycle registers a handler for session lifecycle events only
func (b *Bus) SubscribeLifecycle(name string, h LifecycleHandler) (SubscriptionID, error) {
	if h == nil {
		return b.fanout.SubscribeFunc(name, isLifecycle, nil)
	}
	return b.fanout.SubscribeFunc(name, isLifecycle, func(e Event) error {
		return h(e)
	})
}

// UnsubscribeLifecycle removes a lifecycle subscriber
func (b *Bus) UnsubscribeLifecycle(id SubscriptionID) error {
	return b.fanout.Unsubscribe(id)
}

// Subscribe registers a handler for every event kind on one queue
func (b *Bus) Subscribe(name string, h Handler) (SubscriptionID, error) {
	if h == nil {
		return b.fanout.SubscribeFunc(name, nil, nil)
	}
	return b.fanout.SubscribeFunc(name, nil, func(e Event) error {
		return h(e)
	})
}

// Unsubscribe removes any subscriber
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	return b.fanout.Unsubscribe(id)
}

// PublishDataBlock copies block once and queues the copy for every data
// subscriber. It never waits for a handler.
func (b *Bus) PublishDataBlock(block DataBlock) {
	b.blocks.Add(1)
	b.fanout.Publish(block.clone())
}

// SessionStarted announces a session entering STARTING
func (b *Bus) SessionStarted(info SessionInfo) {
	b.lifecycle.Add(1)
	b.fanout.Publish(info)
}

// SessionStateChanged announces an applied state transition
func (b *Bus) SessionStateChanged(change StateChange) {
	b.lifecycle.Add(1)
	b.fanout.Publish(change)
}

// SessionFinished announces the end of a session with its final stats
func (b *Bus) SessionFinished(stats SessionStats) {
	b.lifecycle.Add(1)
	b.fanout.Publish(stats)
}

// QueueDepth returns the undelivered backlog of one subscriber, or -1 if
// the subscription does not exist. Applications use it to detach slow
// consumers; the bus itself never evicts.
func (b *Bus) QueueDepth(id SubscriptionID) int {
	return b.fanout.QueueDepth(id)
}

// QueueDepths returns the backlog of every subscriber keyed by name
func (b *Bus) QueueDepths() map[string]int {
	return b.fanout.QueueDepths()
}

// Stats returns current bus statistics
func (b *Bus) Stats() BusStats {
	fs := b.fanout.Stats()
	return BusStats{
		BlocksPublished:    b.blocks.Load(),
		LifecyclePublished: b.lifecycle.Load(),
		Delivered:          fs.Delivered,
		HandlerErrors:      fs.HandlerErrors,
		HandlerPanics:      fs.Panics,
		Dropped:            fs.Dropped,
		Subscribers:        fs.Subscribers,
	}
}

// Close stops accepting events and waits up to timeout for subscribers to
// drain what is already queued
func (b *Bus) Close(timeout time.Duration) error {
	b.logger.Info("shutting down event bus", "timeout", timeout)
	return b.fanout.Close(timeout)
}
