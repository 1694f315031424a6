package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gameminde/Chneowave-sub003/internal/errorbus"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

type sent struct {
	title, body string
}

type fakeProvider struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(_ context.Context, title, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{title, body})
	return p.err
}

func (p *fakeProvider) calls() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.sent...)
}

func newBus(t *testing.T) *errorbus.Bus {
	t.Helper()
	bus := errorbus.New(errorbus.WithLogger(logging.Discard()))
	t.Cleanup(func() { _ = bus.Close(time.Second) })
	return bus
}

func TestForwardsAtOrAboveMinLevel(t *testing.T) {
	bus := newBus(t)
	p := &fakeProvider{}
	f := NewForwarder(bus, p, WithMinLevel(errorbus.Error), WithTitle("site-7"))
	require.NoError(t, f.Start())

	bus.Info("acquisition", "backend selected")
	bus.Warning("acquisition", "buffer usage above warning threshold")
	bus.Error("backend.mqtt", "connection to broker lost", "broker", "tcp://logger:1883")
	bus.Critical("acquisition", "session failed", "session_id", "abc", "category", "sample-buffer")

	require.Eventually(t, func() bool { return len(p.calls()) == 2 }, time.Second, 5*time.Millisecond)
	calls := p.calls()
	assert.Equal(t, "site-7 ERROR: backend.mqtt", calls[0].title)
	assert.Contains(t, calls[0].body, "connection to broker lost")
	assert.Contains(t, calls[0].body, "broker: tcp://logger:1883")
	assert.Equal(t, "site-7 CRITICAL: acquisition", calls[1].title)
	// context keys are listed in order
	assert.Less(t,
		indexOf(calls[1].body, "category:"),
		indexOf(calls[1].body, "session_id:"))

	sentCount, failed, _ := f.Stats()
	assert.Equal(t, uint64(2), sentCount)
	assert.Zero(t, failed)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestThrottleSuppressesRepeats(t *testing.T) {
	bus := newBus(t)
	p := &fakeProvider{}
	f := NewForwarder(bus, p, WithThrottle(time.Hour))
	require.NoError(t, f.Start())

	for range 5 {
		bus.Error("backend.malgo", "device lost")
	}
	bus.Error("backend.malgo", "device reopened")

	require.Eventually(t, func() bool {
		_, _, throttled := f.Stats()
		return throttled == 4 && len(p.calls()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRateLimitDropsBursts(t *testing.T) {
	bus := newBus(t)
	p := &fakeProvider{}
	f := NewForwarder(bus, p, WithThrottle(0), WithRateLimit(time.Hour, 3))
	require.NoError(t, f.Start())

	for i := range 5 {
		bus.Critical("acquisition", "session failed", "attempt", i)
	}

	require.Eventually(t, func() bool {
		sent, _, throttled := f.Stats()
		return sent == 3 && throttled == 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, p.calls(), 3)
}

func TestRateLimitCanBeDisabled(t *testing.T) {
	bus := newBus(t)
	p := &fakeProvider{}
	f := NewForwarder(bus, p, WithThrottle(0), WithRateLimit(0, 0))
	require.NoError(t, f.Start())

	for i := range DefaultRateLimitMaxEvents + 5 {
		bus.Error("backend.mqtt", "reassembly overflow", "attempt", i)
	}

	require.Eventually(t, func() bool {
		sent, _, _ := f.Stats()
		return sent == DefaultRateLimitMaxEvents+5
	}, time.Second, 5*time.Millisecond)
}

func TestFailedSendsOpenTheCircuit(t *testing.T) {
	bus := newBus(t)
	p := &fakeProvider{err: errors.NewStd("service unavailable")}
	f := NewForwarder(bus, p,
		WithThrottle(0),
		WithCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour, HalfOpenMaxRequests: 1}),
	)
	require.NoError(t, f.Start())

	for i := range 4 {
		bus.Critical("acquisition", "session failed", "attempt", i)
	}

	require.Eventually(t, func() bool {
		_, failed, _ := f.Stats()
		return failed == 4
	}, time.Second, 5*time.Millisecond)
	// the breaker opened after two failures, so the provider saw only two
	assert.Len(t, p.calls(), 2)
	assert.Equal(t, StateOpen, f.breaker.State())
}

func TestStopUnsubscribes(t *testing.T) {
	bus := newBus(t)
	p := &fakeProvider{}
	f := NewForwarder(bus, p)
	require.NoError(t, f.Start())
	require.NoError(t, f.Start())

	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())

	bus.Critical("acquisition", "session failed")
	require.NoError(t, bus.Close(time.Second))
	assert.Empty(t, p.calls())
}
