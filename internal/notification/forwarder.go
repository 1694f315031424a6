// Package notification forwards error bus messages to push services
// through shoutrrr.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/Gameminde/Chneowave-sub003/internal/errorbus"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

var log = logging.ForService("notification")

const (
	DefaultSendTimeout = 10 * time.Second
	DefaultThrottle    = time.Minute

	DefaultRateLimitWindow    = time.Minute
	DefaultRateLimitMaxEvents = 10

	// expired throttle keys are purged once this many accumulate
	purgeThreshold = 1024
)

// Forwarder subscribes to the error bus and pushes every message at or
// above its minimum level. Repeats of the same source and text are
// throttled.
type Forwarder struct {
	bus      *errorbus.Bus
	provider Provider
	breaker  *CircuitBreaker
	logger   *slog.Logger

	minLevel errorbus.Level
	title    string
	timeout  time.Duration
	throttle *cache.Cache
	limiter  *rate.Limiter

	sub     events.SubscriptionID
	started atomic.Bool

	sent      atomic.Uint64
	failed    atomic.Uint64
	throttled atomic.Uint64
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithMinLevel sets the lowest level forwarded
func WithMinLevel(l errorbus.Level) Option {
	return func(f *Forwarder) { f.minLevel = l }
}

// WithTitle sets the notification title prefix
func WithTitle(title string) Option {
	return func(f *Forwarder) { f.title = title }
}

// WithSendTimeout bounds each send
func WithSendTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithThrottle suppresses identical messages for d. 0 disables throttling.
func WithThrottle(d time.Duration) Option {
	return func(f *Forwarder) {
		if d <= 0 {
			f.throttle = nil
			return
		}
		f.throttle = cache.New(d, 0)
	}
}

// WithRateLimit allows at most maxEvents sends per window, refilled
// evenly. A zero window or count disables the limit.
func WithRateLimit(window time.Duration, maxEvents int) Option {
	return func(f *Forwarder) {
		if window <= 0 || maxEvents <= 0 {
			f.limiter = nil
			return
		}
		f.limiter = rate.NewLimiter(rate.Every(window/time.Duration(maxEvents)), maxEvents)
	}
}

// WithCircuitBreaker replaces the default breaker config
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(f *Forwarder) {
		f.breaker = NewCircuitBreaker(cfg, f.provider.Name(), f.logger)
	}
}

// NewForwarder creates a forwarder. Start subscribes it.
func NewForwarder(bus *errorbus.Bus, provider Provider, opts ...Option) *Forwarder {
	f := &Forwarder{
		bus:      bus,
		provider: provider,
		logger:   log,
		minLevel: errorbus.Error,
		title:    "sensorcore",
		timeout:  DefaultSendTimeout,
		throttle: cache.New(DefaultThrottle, 0),
	}
	WithRateLimit(DefaultRateLimitWindow, DefaultRateLimitMaxEvents)(f)
	f.breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig(), provider.Name(), f.logger)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start subscribes to the error bus
func (f *Forwarder) Start() error {
	if f.started.Swap(true) {
		return nil
	}
	id, err := f.bus.SubscribeLevel("notification."+f.provider.Name(), f.minLevel, f.handle)
	if err != nil {
		f.started.Store(false)
		return err
	}
	f.sub = id
	f.logger.Info("notification forwarding enabled",
		"provider", f.provider.Name(),
		"min_level", f.minLevel.String())
	return nil
}

// Stop unsubscribes. Messages already queued are still delivered.
func (f *Forwarder) Stop() error {
	if !f.started.Swap(false) {
		return nil
	}
	return f.bus.Unsubscribe(f.sub)
}

// handle runs on the subscriber goroutine. Failures are logged only: a
// failed notification must not produce another error bus message.
func (f *Forwarder) handle(msg errorbus.Message) error {
	if f.throttle != nil {
		key := msg.Level.String() + "|" + msg.Source + "|" + msg.Message
		if _, seen := f.throttle.Get(key); seen {
			f.throttled.Add(1)
			return nil
		}
		if f.throttle.ItemCount() > purgeThreshold {
			f.throttle.DeleteExpired()
		}
		f.throttle.SetDefault(key, struct{}{})
	}
	if f.limiter != nil && !f.limiter.Allow() {
		f.throttled.Add(1)
		f.logger.Debug("notification rate limited", "source", msg.Source)
		return nil
	}

	title, body := render(f.title, msg)
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	err := f.breaker.Call(ctx, func(ctx context.Context) error {
		return f.provider.Send(ctx, title, body)
	})
	if err != nil {
		f.failed.Add(1)
		f.logger.Warn("notification failed",
			"provider", f.provider.Name(),
			"source", msg.Source,
			"error", err)
		return nil
	}
	f.sent.Add(1)
	return nil
}

// Stats reports sent, failed and throttled counts. Throttled includes
// repeats and messages dropped by the rate limit.
func (f *Forwarder) Stats() (sent, failed, throttled uint64) {
	return f.sent.Load(), f.failed.Load(), f.throttled.Load()
}

// render builds the title and a body listing the context keys in order
func render(prefix string, msg errorbus.Message) (title, body string) {
	title = fmt.Sprintf("%s %s: %s", prefix, msg.Level, msg.Source)

	var sb strings.Builder
	sb.WriteString(msg.Message)
	if !msg.Timestamp.IsZero() {
		fmt.Fprintf(&sb, "\ntime: %s", msg.Timestamp.Format(time.RFC3339))
	}
	keys := slices.Sorted(maps.Keys(msg.Context))
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %v", k, msg.Context[k])
	}
	return title, sb.String()
}
