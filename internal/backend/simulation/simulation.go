// Package simulation provides a synthetic multichannel producer so the
// acquisition pipeline runs without hardware
package simulation

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

const (
	// DefaultNoise is the uniform noise amplitude added to every sample
	DefaultNoise = 0.01
	// DefaultSeed makes runs repeatable unless overridden
	DefaultSeed = 1
	// minStopBound keeps the stop bound usable at very short block periods
	minStopBound = 50 * time.Millisecond
)

// Extra parameter keys understood by Configure
const (
	ExtraBlockSize       = "block_size"
	ExtraFailAfterBlocks = "fail_after_blocks"
	ExtraNoise           = "noise"
	ExtraSeed            = "seed"
	ExtraTimeScale       = "time_scale"
	ExtraAmplitude       = "amplitude"
)

// ErrInjectedFault is delivered through FaultFunc after fail_after_blocks
var ErrInjectedFault = errors.Sentinel("backend.simulation", errors.CategoryBackend, "injected simulation fault")

type settings struct {
	params    backend.Params
	blockSize int
	failAfter int
	noise     float64
	seed      uint64
	timeScale float64
	amplitude float64
	freqs     []float64
	phases    []float64
}

// blockPeriod is the wall time between blocks
func (s *settings) blockPeriod() time.Duration {
	d := time.Duration(float64(s.blockSize) / s.params.SampleRateHz / s.timeScale * float64(time.Second))
	return max(d, time.Microsecond)
}

// Backend generates one sine per channel with a distinct frequency and
// phase, plus seeded uniform noise
type Backend struct {
	logger *slog.Logger

	mu      sync.Mutex
	cfg     *settings
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a simulation backend
func New(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = logging.ForService("backend.simulation")
	}
	return &Backend{logger: logger}
}

// Name implements backend.Backend
func (b *Backend) Name() string { return backend.SimulationName }

// IsAvailable implements backend.Backend; simulation always is
func (b *Backend) IsAvailable() bool { return true }

// DetectDevices implements backend.Backend
func (b *Backend) DetectDevices() ([]backend.DeviceID, error) {
	return []backend.DeviceID{"sim0"}, nil
}

// Configure implements backend.Backend
func (b *Backend) Configure(p backend.Params) error {
	if err := p.Validate("backend.simulation"); err != nil {
		return err
	}

	// 100 ms of samples per block unless told otherwise
	defBlock := max(int(math.Round(p.SampleRateHz/10)), 1)
	s := &settings{params: p}
	var err error
	if s.blockSize, err = p.Int(ExtraBlockSize, defBlock); err != nil {
		return paramError(err)
	}
	if s.failAfter, err = p.Int(ExtraFailAfterBlocks, 0); err != nil {
		return paramError(err)
	}
	if s.noise, err = p.Float(ExtraNoise, DefaultNoise); err != nil {
		return paramError(err)
	}
	seed, err := p.Int(ExtraSeed, DefaultSeed)
	if err != nil {
		return paramError(err)
	}
	s.seed = uint64(seed)
	if s.timeScale, err = p.Float(ExtraTimeScale, 1); err != nil {
		return paramError(err)
	}
	if s.amplitude, err = p.Float(ExtraAmplitude, 1); err != nil {
		return paramError(err)
	}
	if s.blockSize < 1 || s.timeScale <= 0 || s.noise < 0 || s.failAfter < 0 {
		return paramError(fmt.Errorf("block_size, time_scale must be positive; noise, fail_after_blocks non-negative"))
	}

	// Frequencies stay below a quarter of the sample rate so every channel
	// is well sampled
	s.freqs = make([]float64, p.ChannelCount)
	s.phases = make([]float64, p.ChannelCount)
	for c := range p.ChannelCount {
		s.freqs[c] = p.SampleRateHz * float64(c+1) / float64(4*(p.ChannelCount+1))
		s.phases[c] = float64(c) * math.Pi / float64(p.ChannelCount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return backend.ErrAlreadyRunning
	}
	b.cfg = s
	return nil
}

func paramError(err error) error {
	return errors.New(fmt.Errorf("%w: %w", backend.ErrInvalidParams, err)).
		Component("backend.simulation").
		Category(errors.CategoryConfiguration).
		Build()
}

// Start implements backend.Backend
func (b *Backend) Start(onBlock backend.BlockFunc, onFault backend.FaultFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg == nil {
		return backend.ErrNotConfigured
	}
	if b.running {
		return backend.ErrAlreadyRunning
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	go b.generate(b.cfg, onBlock, onFault, b.stop, b.done)

	b.logger.Info("simulation started",
		"sample_rate_hz", b.cfg.params.SampleRateHz,
		"channels", b.cfg.params.ChannelCount,
		"block_size", b.cfg.blockSize,
		"time_scale", b.cfg.timeScale,
	)
	return nil
}

// Stop implements backend.Backend. It waits at most two block periods.
func (b *Backend) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stop)
	done := b.done
	bound := max(2*b.cfg.blockPeriod(), minStopBound)
	b.mu.Unlock()

	select {
	case <-done:
		b.logger.Debug("simulation stopped")
		return nil
	case <-time.After(bound):
		return errors.New(fmt.Errorf("generator still running after %v: %w", bound, backend.ErrStopTimeout)).
			Component("backend.simulation").
			Category(errors.CategoryTimeout).
			Build()
	}
}

func (b *Backend) generate(s *settings, onBlock backend.BlockFunc, onFault backend.FaultFunc, stop, done chan struct{}) {
	defer close(done)

	rng := rand.New(rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15))
	channels := s.params.ChannelCount
	dt := 1 / s.params.SampleRateHz
	simStep := time.Duration(dt * float64(time.Second))

	ticker := time.NewTicker(s.blockPeriod())
	defer ticker.Stop()

	start := time.Now()
	var frame uint64
	blocks := 0

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if s.failAfter > 0 && blocks >= s.failAfter {
			if onFault != nil {
				onFault(ErrInjectedFault)
			}
			return
		}

		block := make([][]float32, channels)
		for c := range block {
			block[c] = make([]float32, s.blockSize)
		}
		ts := start.Add(time.Duration(frame) * simStep)
		for i := range s.blockSize {
			t := float64(frame+uint64(i)) * dt
			for c := range channels {
				v := s.amplitude * math.Sin(2*math.Pi*s.freqs[c]*t+s.phases[c])
				if s.noise > 0 {
					v += s.noise * (2*rng.Float64() - 1)
				}
				block[c][i] = float32(v)
			}
		}
		frame += uint64(s.blockSize)
		blocks++

		if onBlock != nil {
			onBlock(block, ts)
		}
	}
}
