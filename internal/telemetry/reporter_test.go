package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Gameminde/Chneowave-sub003/internal/errorbus"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

// MockTransport implements sentry.Transport for testing
type MockTransport struct {
	mu     sync.RWMutex
	events []*sentry.Event
}

func (t *MockTransport) Configure(_ sentry.ClientOptions) {} //nolint:gocritic // interface signature

func (t *MockTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *MockTransport) Flush(time.Duration) bool              { return true }
func (t *MockTransport) FlushWithContext(context.Context) bool { return true }
func (t *MockTransport) Close()                                {}

func (t *MockTransport) GetEvents() []*sentry.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*sentry.Event(nil), t.events...)
}

func newReporter(t *testing.T, minLevel errorbus.Level) (*Reporter, *MockTransport, *errorbus.Bus) {
	t.Helper()
	bus := errorbus.New(errorbus.WithLogger(logging.Discard()))
	t.Cleanup(func() { _ = bus.Close(time.Second) })

	transport := &MockTransport{}
	r, err := NewReporter(Config{
		Environment: "test",
		Release:     "sensorcore@test",
		MinLevel:    minLevel,
		Transport:   transport,
	}, bus)
	require.NoError(t, err)
	r.logger = logging.Discard()
	t.Cleanup(func() { r.Stop(time.Second) })
	return r, transport, bus
}

func TestReportsCriticalMessages(t *testing.T) {
	r, transport, bus := newReporter(t, errorbus.Critical)
	require.NoError(t, r.Start())

	bus.Error("backend.mqtt", "connection to broker lost")
	bus.Critical("acquisition", "session failed",
		"session_id", "7f0c",
		"category", "sample-buffer",
		"hostname_hint", "lab-pc-3",
	)

	require.Eventually(t, func() bool { return len(transport.GetEvents()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Stop(time.Second))

	event := transport.GetEvents()[0]
	assert.Equal(t, sentry.LevelFatal, event.Level)
	assert.Equal(t, "session failed", event.Message)
	assert.Equal(t, "acquisition", event.Tags["source"])
	assert.Equal(t, "sample-buffer", event.Tags["category"])
	assert.Equal(t, []string{"acquisition", "session failed"}, event.Fingerprint)
	assert.Equal(t, "7f0c", event.Extra["session_id"])
	assert.NotContains(t, event.Extra, "hostname_hint")
	assert.Empty(t, event.ServerName)
	assert.Equal(t, uint64(1), r.Sent())
}

func TestPublishedErrorsCarryCategory(t *testing.T) {
	r, transport, bus := newReporter(t, errorbus.Error)
	require.NoError(t, r.Start())

	err := errors.Newf("stop timed out").
		Component("acquisition").
		Category(errors.CategoryTimeout).
		Build()
	bus.PublishError(errorbus.Error, "acquisition", err)

	require.Eventually(t, func() bool { return len(transport.GetEvents()) == 1 }, time.Second, 5*time.Millisecond)
	event := transport.GetEvents()[0]
	assert.Equal(t, sentry.LevelError, event.Level)
	assert.Equal(t, "timeout", event.Tags["category"])
	assert.Equal(t, "acquisition", event.Extra["component"])
}

func TestStopUnsubscribes(t *testing.T) {
	r, transport, bus := newReporter(t, errorbus.Info)
	require.NoError(t, r.Start())
	r.Stop(time.Second)

	bus.Critical("acquisition", "session failed")
	require.NoError(t, bus.Close(time.Second))
	assert.Empty(t, transport.GetEvents())
}

func TestStopReleasesClient(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := errorbus.New(errorbus.WithLogger(logging.Discard()))
	r, err := NewReporter(Config{MinLevel: errorbus.Critical, Transport: &MockTransport{}}, bus)
	require.NoError(t, err)
	r.logger = logging.Discard()
	require.NoError(t, r.Start())

	bus.Critical("acquisition", "session failed")
	assert.True(t, r.Stop(time.Second))
	assert.True(t, r.Stop(time.Second), "second stop is a no-op")
	require.NoError(t, bus.Close(time.Second))
}

func TestNewReporterRequiresDSN(t *testing.T) {
	bus := errorbus.New(errorbus.WithLogger(logging.Discard()))
	defer bus.Close(time.Second)

	_, err := NewReporter(Config{}, bus)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestSentryLevels(t *testing.T) {
	assert.Equal(t, sentry.LevelInfo, sentryLevel(errorbus.Info))
	assert.Equal(t, sentry.LevelWarning, sentryLevel(errorbus.Warning))
	assert.Equal(t, sentry.LevelError, sentryLevel(errorbus.Error))
	assert.Equal(t, sentry.LevelFatal, sentryLevel(errorbus.Critical))
}
