// Package malgo captures multichannel sensor signals through an audio
// interface ADC using miniaudio.
package malgo

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

const (
	componentName = "backend.malgo"

	// Name is the registry name
	Name = "malgo"

	// DefaultDeviceRate is the rate the ADC runs at before decimation
	DefaultDeviceRate = 48000

	// DefaultStopTimeout bounds device shutdown
	DefaultStopTimeout = 2 * time.Second
)

// Extra parameter keys understood by Configure
const (
	ExtraDeviceRate   = "device_rate"
	ExtraBufferFrames = "buffer_frames"
	ExtraGain         = "gain"
)

// Config holds static backend settings
type Config struct {
	StopTimeout time.Duration
}

type settings struct {
	params       backend.Params
	deviceRate   int
	ratio        int
	bufferFrames int
	gain         float64
}

// Backend captures from a malgo capture device. The device and context
// are owned resources: every path out of Start and Stop releases them.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	set     *settings
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	running bool
	stopped chan struct{} // closed on intentional Stop

	onBlock backend.BlockFunc
	onFault backend.FaultFunc
	decim   *decimator
	format  malgo.FormatType
}

// New creates a malgo backend
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = logging.ForService(componentName)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Name implements backend.Backend
func (b *Backend) Name() string { return Name }

// Realtime implements backend.RealtimeProducer: frames arrive on the
// device callback and cannot be held back
func (b *Backend) Realtime() bool { return true }

// IsAvailable reports whether a context can be created and at least one
// capture device exists
func (b *Backend) IsAvailable() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("malgo probe panicked", "panic", r)
			ok = false
		}
	}()

	devices, err := b.DetectDevices()
	if err != nil {
		b.logger.Debug("malgo unavailable", "error", err)
		return false
	}
	return len(devices) > 0
}

// DetectDevices implements backend.Backend
func (b *Backend) DetectDevices() ([]backend.DeviceID, error) {
	ctx, err := initContext()
	if err != nil {
		return nil, err
	}
	defer releaseContext(ctx)

	infos, err := captureDevices(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]backend.DeviceID, 0, len(infos))
	for i := range infos {
		ids = append(ids, deviceID(&infos[i]))
	}
	return ids, nil
}

// Configure implements backend.Backend. The device rate must be an integer
// multiple of the session sample rate.
func (b *Backend) Configure(p backend.Params) error {
	if err := p.Validate(componentName); err != nil {
		return err
	}

	s := &settings{params: p}
	var err error
	if s.deviceRate, err = p.Int(ExtraDeviceRate, DefaultDeviceRate); err != nil {
		return paramError(err)
	}
	if s.bufferFrames, err = p.Int(ExtraBufferFrames, 512); err != nil {
		return paramError(err)
	}
	if s.gain, err = p.Float(ExtraGain, 1); err != nil {
		return paramError(err)
	}

	ratio := float64(s.deviceRate) / p.SampleRateHz
	if s.deviceRate <= 0 || ratio < 1 || math.Abs(ratio-math.Round(ratio)) > 1e-9 {
		return paramError(fmt.Errorf("device rate %d is not an integer multiple of %g Hz", s.deviceRate, p.SampleRateHz))
	}
	s.ratio = int(math.Round(ratio))
	if s.gain <= 0 || s.bufferFrames <= 0 {
		return paramError(fmt.Errorf("gain and buffer_frames must be positive"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return backend.ErrAlreadyRunning
	}
	b.set = s
	return nil
}

func paramError(err error) error {
	return errors.New(fmt.Errorf("%w: %w", backend.ErrInvalidParams, err)).
		Component(componentName).
		Category(errors.CategoryConfiguration).
		Build()
}

// Start implements backend.Backend
func (b *Backend) Start(onBlock backend.BlockFunc, onFault backend.FaultFunc) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.set == nil {
		return backend.ErrNotConfigured
	}
	if b.running {
		return backend.ErrAlreadyRunning
	}
	s := b.set

	ctx, err := initContext()
	if err != nil {
		return err
	}
	// Release everything acquired so far if any later step fails
	var device *malgo.Device
	defer func() {
		if err != nil {
			if device != nil {
				device.Uninit()
			}
			releaseContext(ctx)
		}
	}()

	infos, err := captureDevices(ctx)
	if err != nil {
		return err
	}
	info, err := selectDevice(infos, s.params.DeviceID)
	if err != nil {
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Channels = uint32(s.params.ChannelCount)
	deviceConfig.Capture.DeviceID = info.ID.Pointer()
	deviceConfig.SampleRate = uint32(s.deviceRate)
	deviceConfig.PeriodSizeInFrames = uint32(s.bufferFrames)
	deviceConfig.Alsa.NoMMap = 1

	b.onBlock = onBlock
	b.onFault = onFault
	b.decim = newDecimator(s.ratio, s.params.ChannelCount)
	b.stopped = make(chan struct{})

	device, err = malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: b.onData,
		Stop: b.onDeviceStop,
	})
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryDevice).
			Context("device", info.Name()).
			Context("operation", "init_device").
			Build()
	}

	if got := int(device.SampleRate()); got != s.deviceRate {
		return errors.Newf("device runs at %d Hz, requested %d Hz", got, s.deviceRate).
			Component(componentName).
			Category(errors.CategoryDevice).
			Context("device", info.Name()).
			Build()
	}
	b.format = device.CaptureFormat()
	if bytesPerSample(b.format) == 0 {
		return errors.Newf("unsupported capture format %v", b.format).
			Component(componentName).
			Category(errors.CategoryDevice).
			Build()
	}

	if err = device.Start(); err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryDevice).
			Context("device", info.Name()).
			Context("operation", "start_device").
			Build()
	}

	b.ctx = ctx
	b.device = device
	b.running = true

	b.logger.Info("capture started",
		"device", info.Name(),
		"device_rate", s.deviceRate,
		"decimation", s.ratio,
		"format", formatName(b.format),
		"channels", s.params.ChannelCount,
	)
	return nil
}

// onData runs on the miniaudio callback thread
func (b *Backend) onData(_, input []byte, frameCount uint32) {
	channels := b.set.params.ChannelCount
	block, err := deinterleave(input, b.format, channels)
	if err != nil {
		b.fault(err)
		return
	}
	if g := b.set.gain; g != 1 {
		for _, ch := range block {
			for i := range ch {
				ch[i] *= float32(g)
			}
		}
	}

	out := b.decim.push(block)
	if out == nil || len(out[0]) == 0 || b.onBlock == nil {
		return
	}
	// timestamp of the first output frame
	span := time.Duration(float64(len(out[0])) / b.set.params.SampleRateHz * float64(time.Second))
	b.onBlock(out, time.Now().Add(-span))
}

func (b *Backend) onDeviceStop() {
	select {
	case <-b.stopped:
		return
	default:
	}
	b.fault(errors.Newf("capture device stopped unexpectedly").
		Component(componentName).
		Category(errors.CategoryDevice).
		Build())
}

func (b *Backend) fault(err error) {
	if b.onFault != nil {
		b.onFault(err)
	}
}

// Stop implements backend.Backend. The device is released even when the
// driver does not return within the stop timeout; in that case the release
// finishes in the background.
func (b *Backend) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopped)
	device, ctx := b.device, b.ctx
	b.device, b.ctx = nil, nil
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = device.Stop()
		device.Uninit()
		releaseContext(ctx)
	}()

	select {
	case <-done:
		b.logger.Info("capture stopped")
		return nil
	case <-time.After(b.cfg.StopTimeout):
		return errors.New(fmt.Errorf("device release exceeded %v: %w", b.cfg.StopTimeout, backend.ErrStopTimeout)).
			Component(componentName).
			Category(errors.CategoryTimeout).
			Build()
	}
}
