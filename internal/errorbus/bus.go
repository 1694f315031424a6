package errorbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

// DefaultHistorySize is the number of messages kept when none is configured
const DefaultHistorySize = 1000

// purgeThreshold is the dedup key count above which expired keys are purged
const purgeThreshold = 4096

// Bus delivers Messages asynchronously and keeps a bounded history that
// survives even when nobody is subscribed
type Bus struct {
	fanout *events.Fanout[Message]
	logger *slog.Logger

	historySize int
	histMu      sync.RWMutex
	history     []Message // ring; oldest at histStart once full
	histStart   int

	dedupWindow time.Duration
	dedup       *cache.Cache

	counts     [Critical + 1]atomic.Uint64
	suppressed atomic.Uint64
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger used to record messages
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithHistorySize sets the history capacity. Values below 1 keep the default.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// WithDedupWindow suppresses repeats of an identical non-critical message
// for d. 0 disables suppression.
func WithDedupWindow(d time.Duration) Option {
	return func(b *Bus) {
		b.dedupWindow = max(d, 0)
	}
}

// New creates an error bus
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:      logging.ForService("errorbus"),
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.fanout = events.NewFanout[Message]("errorbus", b.logger)
	b.history = make([]Message, 0, b.historySize)
	if b.dedupWindow > 0 {
		// no janitor goroutine; expired keys are purged from Publish
		b.dedup = cache.New(b.dedupWindow, 0)
	}
	return b
}

// Publish records msg in history and queues it for every subscriber. It
// never waits for a handler.
func (b *Bus) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg = msg.clone()

	if b.isDuplicate(&msg) {
		b.suppressed.Add(1)
		return
	}

	if msg.Level >= Info && msg.Level <= Critical {
		b.counts[msg.Level].Add(1)
	}
	b.record(msg)
	b.logger.Log(context.Background(), msg.Level.slogLevel(), msg.Message,
		"level", msg.Level.String(),
		"source", msg.Source,
	)
	b.fanout.Publish(msg)
}

func (b *Bus) isDuplicate(msg *Message) bool {
	if b.dedup == nil || msg.Level >= Critical {
		return false
	}
	key := msg.Level.String() + "\x00" + msg.Source + "\x00" + msg.Message
	if err := b.dedup.Add(key, 1, cache.DefaultExpiration); err == nil {
		if b.dedup.ItemCount() > purgeThreshold {
			b.dedup.DeleteExpired()
		}
		return false
	}
	_ = b.dedup.Increment(key, 1)
	return true
}

func (b *Bus) record(msg Message) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	if len(b.history) < b.historySize {
		b.history = append(b.history, msg)
		return
	}
	b.history[b.histStart] = msg
	b.histStart = (b.histStart + 1) % b.historySize
}

// ordered returns history oldest first. Caller holds histMu.
func (b *Bus) ordered() []Message {
	out := make([]Message, 0, len(b.history))
	out = append(out, b.history[b.histStart:]...)
	out = append(out, b.history[:b.histStart]...)
	return out
}

func (b *Bus) notice(level Level, source, message string, kv []any) {
	var ctx map[string]any
	if len(kv) > 0 {
		ctx = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			ctx[key] = kv[i+1]
		}
	}
	b.Publish(Message{Level: level, Message: message, Source: source, Context: ctx})
}

// Info publishes an INFO message. kv are key/value context pairs.
func (b *Bus) Info(source, message string, kv ...any) { b.notice(Info, source, message, kv) }

// Warning publishes a WARNING message
func (b *Bus) Warning(source, message string, kv ...any) { b.notice(Warning, source, message, kv) }

// Error publishes an ERROR message
func (b *Bus) Error(source, message string, kv ...any) { b.notice(Error, source, message, kv) }

// Critical publishes a CRITICAL message
func (b *Bus) Critical(source, message string, kv ...any) { b.notice(Critical, source, message, kv) }

// PublishError converts err into a Message. Context and category of an
// enhanced error are carried over.
func (b *Bus) PublishError(level Level, source string, err error) {
	if err == nil {
		return
	}
	msg := Message{Level: level, Message: err.Error(), Source: source}
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		msg.Context = ee.GetContext()
		if msg.Context == nil {
			msg.Context = make(map[string]any, 2)
		}
		delete(msg.Context, "sentinel")
		msg.Context["category"] = ee.GetCategory()
		msg.Context["component"] = ee.GetComponent()
		if p := ee.GetPriority(); p != "" {
			msg.Context["priority"] = p
		}
	}
	b.Publish(msg)
}

// Subscribe registers h for every message published after it returns
func (b *Bus) Subscribe(name string, h Handler) (events.SubscriptionID, error) {
	return b.fanout.Subscribe(name, h)
}

// SubscribeLevel registers h for messages at or above minLevel
func (b *Bus) SubscribeLevel(name string, minLevel Level, h Handler) (events.SubscriptionID, error) {
	return b.fanout.SubscribeFunc(name, func(m Message) bool { return m.Level >= minLevel }, h)
}

// Unsubscribe removes a subscriber
func (b *Bus) Unsubscribe(id events.SubscriptionID) error {
	return b.fanout.Unsubscribe(id)
}

// History returns matching messages, oldest first. With a Limit only the
// newest Limit matches are returned.
func (b *Bus) History(filter Filter) []Message {
	b.histMu.RLock()
	all := b.ordered()
	b.histMu.RUnlock()

	out := all[:0]
	for i := range all {
		if filter.match(&all[i]) {
			out = append(out, all[i].clone())
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Recent returns up to n of the newest messages, oldest first
func (b *Bus) Recent(n int) []Message {
	if n <= 0 {
		return nil
	}
	return b.History(Filter{Limit: n})
}

// ByLevel returns every retained message of exactly level
func (b *Bus) ByLevel(level Level) []Message {
	msgs := b.History(Filter{MinLevel: level})
	out := msgs[:0]
	for _, m := range msgs {
		if m.Level == level {
			out = append(out, m)
		}
	}
	return out
}

// Count returns the number of retained messages
func (b *Bus) Count() int {
	b.histMu.RLock()
	defer b.histMu.RUnlock()
	return len(b.history)
}

// Counts returns how many messages of each level were published, including
// ones already evicted from history
func (b *Bus) Counts() map[Level]uint64 {
	out := make(map[Level]uint64, len(b.counts))
	for l := range b.counts {
		out[Level(l)] = b.counts[l].Load()
	}
	return out
}

// Suppressed returns how many duplicates were dropped by the dedup window
func (b *Bus) Suppressed() uint64 {
	return b.suppressed.Load()
}

// Stats returns delivery statistics
func (b *Bus) Stats() events.FanoutStats {
	return b.fanout.Stats()
}

// QueueDepths returns the backlog of every subscriber keyed by name
func (b *Bus) QueueDepths() map[string]int {
	return b.fanout.QueueDepths()
}

// Clear empties the history
func (b *Bus) Clear() {
	b.histMu.Lock()
	b.history = b.history[:0]
	b.histStart = 0
	b.histMu.Unlock()
}

// Close stops delivery after draining queued messages, waiting up to timeout
func (b *Bus) Close(timeout time.Duration) error {
	return b.fanout.Close(timeout)
}
