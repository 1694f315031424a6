// Package telemetry reports severe error bus messages to Sentry.
//
// The reporter owns its own client and hub rather than the global SDK
// state, and strips host identifying data before anything is sent.
package telemetry

import (
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Gameminde/Chneowave-sub003/internal/errorbus"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

var log = logging.ForService("telemetry")

// allowedExtra are the message context keys forwarded as event extras
var allowedExtra = map[string]bool{
	"session_id":    true,
	"backend":       true,
	"category":      true,
	"component":     true,
	"state":         true,
	"usage_percent": true,
	"frames":        true,
	"priority":      true,
	"operation":     true,
	"duration_ms":   true,
}

// Config configures a Reporter
type Config struct {
	DSN         string
	Environment string
	Release     string
	MinLevel    errorbus.Level

	// Transport replaces the HTTP transport, used in tests
	Transport sentry.Transport
}

// Reporter forwards error bus messages at or above MinLevel as Sentry
// events
type Reporter struct {
	hub      *sentry.Hub
	bus      *errorbus.Bus
	minLevel errorbus.Level
	logger   *slog.Logger

	sub     events.SubscriptionID
	started atomic.Bool
	closed  atomic.Bool
	sent    atomic.Uint64
}

// NewReporter creates a Sentry client for cfg. Start subscribes it.
func NewReporter(cfg Config, bus *errorbus.Bus) (*Reporter, error) {
	if cfg.DSN == "" && cfg.Transport == nil {
		return nil, errors.Newf("sentry dsn is required").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Transport:        cfg.Transport,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       "",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	return &Reporter{
		hub:      sentry.NewHub(client, sentry.NewScope()),
		bus:      bus,
		minLevel: cfg.MinLevel,
		logger:   log,
	}, nil
}

// Start subscribes to the error bus
func (r *Reporter) Start() error {
	if r.started.Swap(true) {
		return nil
	}
	id, err := r.bus.SubscribeLevel("telemetry.sentry", r.minLevel, r.capture)
	if err != nil {
		r.started.Store(false)
		return err
	}
	r.sub = id
	r.logger.Info("sentry reporting enabled", "min_level", r.minLevel.String())
	return nil
}

// Stop unsubscribes, flushes pending events waiting up to timeout and
// closes the client. It reports whether every event was delivered. The
// reporter cannot be restarted afterwards.
func (r *Reporter) Stop(timeout time.Duration) bool {
	if r.started.Swap(false) {
		if err := r.bus.Unsubscribe(r.sub); err != nil {
			r.logger.Debug("unsubscribe failed", "error", err)
		}
	}
	if r.closed.Swap(true) {
		return true
	}
	flushed := r.hub.Flush(timeout)
	r.hub.Client().Close()
	return flushed
}

// Sent returns the number of captured events
func (r *Reporter) Sent() uint64 {
	return r.sent.Load()
}

func (r *Reporter) capture(msg errorbus.Message) error {
	r.hub.CaptureEvent(toEvent(msg))
	r.sent.Add(1)
	return nil
}

func toEvent(msg errorbus.Message) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = sentryLevel(msg.Level)
	event.Message = msg.Message
	event.Logger = msg.Source
	if !msg.Timestamp.IsZero() {
		event.Timestamp = msg.Timestamp
	}
	event.Tags = map[string]string{"source": msg.Source}
	if c, ok := msg.Context["category"].(string); ok {
		event.Tags["category"] = c
	}
	// group by source and text so per-session values don't split issues
	event.Fingerprint = []string{msg.Source, msg.Message}
	event.Extra = maps.Clone(msg.Context)
	return event
}

func sentryLevel(l errorbus.Level) sentry.Level {
	switch l {
	case errorbus.Critical:
		return sentry.LevelFatal
	case errorbus.Error:
		return sentry.LevelError
	case errorbus.Warning:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}

// applyPrivacyFilters drops host and user data and any extra not on the
// allow list
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
	}
	for k := range event.Extra {
		if !allowedExtra[k] {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
