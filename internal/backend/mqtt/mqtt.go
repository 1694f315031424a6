// Package mqtt receives sample frames from a networked data logger that
// publishes them to an MQTT broker.
//
// Payloads are little-endian float32 samples interleaved by channel. A frame
// may be split across messages, so payload bytes go through a byte ring
// and only whole frames are handed on.
package mqtt

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/smallnest/ringbuffer"

	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

const (
	componentName = "backend.mqtt"

	// Name is the registry name
	Name = "mqtt"

	DefaultProbeTimeout     = 2 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultReassemblyBytes  = 64 * 1024
	disconnectQuiesceMillis = 250
)

// ExtraReassemblyBytes sizes the reassembly ring
const ExtraReassemblyBytes = "reassembly_bytes"

// Config holds broker settings
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topics         []string
	QoS            byte
	ProbeTimeout   time.Duration
	ConnectTimeout time.Duration

	// Metrics is optional
	Metrics Observer
}

// Observer receives connection and payload measurements.
// observability/metrics.MQTTMetrics implements it.
type Observer interface {
	UpdateConnectionStatus(connected bool)
	RecordMessage(size int)
	RecordOverrun(bytes int)
	IncrementErrors()
}

type noopObserver struct{}

func (noopObserver) UpdateConnectionStatus(bool) {}
func (noopObserver) RecordMessage(int)           {}
func (noopObserver) RecordOverrun(int)           {}
func (noopObserver) IncrementErrors()            {}

// clientFactory is swapped in tests
type clientFactory func(opts *paho.ClientOptions) paho.Client

// Backend subscribes to one data logger topic
type Backend struct {
	cfg       Config
	logger    *slog.Logger
	newClient clientFactory

	mu         sync.Mutex
	params     *backend.Params
	topic      string
	ringSize   int
	client     paho.Client
	running    bool
	stopping   atomic.Bool
	frameBytes int

	// reassembly state, touched only from the message handler
	ring    *ringbuffer.RingBuffer
	scratch []byte

	onBlock backend.BlockFunc
	onFault backend.FaultFunc

	overruns atomic.Uint64
}

// New creates an MQTT backend
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = logging.ForService(componentName)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sensorcore"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopObserver{}
	}
	return &Backend{cfg: cfg, logger: logger, newClient: paho.NewClient}
}

// Name implements backend.Backend
func (b *Backend) Name() string { return Name }

func (b *Backend) clientOptions(clientID string, timeout time.Duration) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(timeout)
	return opts
}

// IsAvailable reports whether the broker accepts a connection within the
// probe timeout
func (b *Backend) IsAvailable() bool {
	if b.cfg.Broker == "" || len(b.cfg.Topics) == 0 {
		return false
	}
	client := b.newClient(b.clientOptions(b.cfg.ClientID+"-probe", b.cfg.ProbeTimeout))
	token := client.Connect()
	if !token.WaitTimeout(b.cfg.ProbeTimeout) || token.Error() != nil {
		b.logger.Debug("broker unreachable", "broker", b.cfg.Broker, "error", token.Error())
		return false
	}
	client.Disconnect(0)
	return true
}

// DetectDevices returns the configured topics
func (b *Backend) DetectDevices() ([]backend.DeviceID, error) {
	ids := make([]backend.DeviceID, 0, len(b.cfg.Topics))
	for _, t := range b.cfg.Topics {
		ids = append(ids, backend.DeviceID(t))
	}
	return ids, nil
}

// Configure picks the topic named by DeviceID, or the first configured one
func (b *Backend) Configure(p backend.Params) error {
	if err := p.Validate(componentName); err != nil {
		return err
	}
	if len(b.cfg.Topics) == 0 {
		return paramError(fmt.Errorf("no topics configured"))
	}
	topic := b.cfg.Topics[0]
	if p.DeviceID != "" {
		if !slices.Contains(b.cfg.Topics, string(p.DeviceID)) {
			return errors.New(fmt.Errorf("topic %q is not configured: %w", p.DeviceID, backend.ErrUnavailable)).
				Component(componentName).
				Category(errors.CategoryDevice).
				Build()
		}
		topic = string(p.DeviceID)
	}

	frameBytes := p.ChannelCount * 4
	ringSize, err := p.Int(ExtraReassemblyBytes, DefaultReassemblyBytes)
	if err != nil {
		return paramError(err)
	}
	if ringSize < frameBytes {
		return paramError(fmt.Errorf("reassembly buffer %d smaller than one frame (%d bytes)", ringSize, frameBytes))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return backend.ErrAlreadyRunning
	}
	b.params = &p
	b.topic = topic
	b.frameBytes = frameBytes
	// whole frames only, so a full ring never holds a partial tail
	b.ringSize = ringSize / frameBytes * frameBytes
	return nil
}

func paramError(err error) error {
	return errors.New(fmt.Errorf("%w: %w", backend.ErrInvalidParams, err)).
		Component(componentName).
		Category(errors.CategoryConfiguration).
		Build()
}

// Start connects, subscribes and begins delivering frames
func (b *Backend) Start(onBlock backend.BlockFunc, onFault backend.FaultFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.params == nil {
		return backend.ErrNotConfigured
	}
	if b.running {
		return backend.ErrAlreadyRunning
	}

	b.onBlock = onBlock
	b.onFault = onFault
	b.ring = ringbuffer.New(b.ringSize)
	b.scratch = make([]byte, b.ringSize)
	b.stopping.Store(false)

	opts := b.clientOptions(b.cfg.ClientID, b.cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	client := b.newClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return errors.New(fmt.Errorf("connect to %s timed out: %w", b.cfg.Broker, backend.ErrUnavailable)).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Build()
	}
	if err := token.Error(); err != nil {
		b.cfg.Metrics.IncrementErrors()
		return errors.New(fmt.Errorf("connect to %s: %w", b.cfg.Broker, err)).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Build()
	}

	sub := client.Subscribe(b.topic, b.cfg.QoS, b.onMessage)
	if err := subscribeResult(b.topic, sub, b.cfg.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return err
	}

	b.client = client
	b.running = true
	b.cfg.Metrics.UpdateConnectionStatus(true)
	b.logger.Info("subscribed to data logger",
		"broker", b.cfg.Broker,
		"topic", b.topic,
		"channels", b.params.ChannelCount,
	)
	return nil
}

// subscribeResult waits for a subscribe token
func subscribeResult(topic string, tok paho.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return errors.New(fmt.Errorf("subscribe to %s timed out after %v", topic, timeout)).
			Component(componentName).
			Category(errors.CategoryTimeout).
			Context("topic", topic).
			Build()
	}
	if err := tok.Error(); err != nil {
		return errors.New(fmt.Errorf("subscribe to %s: %w", topic, err)).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build()
	}
	return nil
}

func (b *Backend) onMessage(_ paho.Client, msg paho.Message) {
	if b.stopping.Load() {
		return
	}
	payload := msg.Payload()
	b.cfg.Metrics.RecordMessage(len(payload))
	b.ingest(payload, time.Now())
}

// ingest appends payload bytes to the reassembly ring and emits every
// complete frame. It is called from a single paho router goroutine.
func (b *Backend) ingest(payload []byte, now time.Time) {
	for len(payload) > 0 {
		n, err := b.ring.Write(payload)
		payload = payload[n:]
		b.emitFrames(now)
		if err != nil && n == 0 {
			// emitFrames drains every whole frame, so a full ring here means
			// the read side failed
			b.overruns.Add(uint64(len(payload)))
			b.cfg.Metrics.RecordOverrun(len(payload))
			b.logger.Warn("reassembly overrun", "dropped_bytes", len(payload))
			return
		}
	}
}

func (b *Backend) emitFrames(now time.Time) {
	frames := b.ring.Length() / b.frameBytes
	if frames == 0 {
		return
	}
	raw := b.scratch[:frames*b.frameBytes]
	if _, err := b.ring.Read(raw); err != nil {
		b.fault(err)
		return
	}

	channels := b.params.ChannelCount
	block := make([][]float32, channels)
	for c := range block {
		block[c] = make([]float32, frames)
	}
	for i := range frames {
		base := i * b.frameBytes
		for c := range channels {
			off := base + c*4
			block[c][i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off : off+4]))
		}
	}

	if b.onBlock != nil {
		span := time.Duration(float64(frames) / b.params.SampleRateHz * float64(time.Second))
		b.onBlock(block, now.Add(-span))
	}
}

func (b *Backend) onConnectionLost(_ paho.Client, err error) {
	if b.stopping.Load() {
		return
	}
	b.logger.Warn("connection to broker lost", "broker", b.cfg.Broker, "error", err)
	b.cfg.Metrics.UpdateConnectionStatus(false)
	b.cfg.Metrics.IncrementErrors()
	b.fault(errors.New(fmt.Errorf("connection to broker lost: %w", err)).
		Component(componentName).
		Category(errors.CategoryNetwork).
		Build())
}

func (b *Backend) fault(err error) {
	if b.onFault != nil {
		b.onFault(err)
	}
}

// Overruns returns the number of payload bytes dropped by the reassembly
// ring
func (b *Backend) Overruns() uint64 {
	return b.overruns.Load()
}

// Stop unsubscribes and disconnects. Disconnect waits at most 250 ms for
// in-flight work.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false
	b.stopping.Store(true)

	if b.client.IsConnected() {
		if tok := b.client.Unsubscribe(b.topic); !tok.WaitTimeout(time.Second) {
			b.logger.Warn("unsubscribe timed out", "topic", b.topic)
		}
	}
	b.client.Disconnect(disconnectQuiesceMillis)
	b.client = nil
	b.cfg.Metrics.UpdateConnectionStatus(false)
	b.logger.Info("data logger disconnected", "topic", b.topic)
	return nil
}
