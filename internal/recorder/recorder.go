// Package recorder writes every acquisition session to a multichannel WAV
// file by subscribing to the event bus.
package recorder

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

const componentName = "recorder"

// wavFormatPCM is the WAV integer PCM format tag
const wavFormatPCM = 1

// Config controls the output files
type Config struct {
	Dir      string
	BitDepth int // 16 or 32

	// FullScale is the sample magnitude mapped to the largest integer
	// value. Larger magnitudes clip. Defaults to 1.
	FullScale float64
}

// Recorder owns one open file per active session. Its handler runs on a
// single bus subscriber goroutine, so per-session writes are ordered.
type Recorder struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	sub      events.SubscriptionID
	started  bool
	sessions map[string]*take
	files    []string
}

// take is one session being written
type take struct {
	path     string
	file     *os.File
	enc      *wav.Encoder
	channels int
	buf      *audio.IntBuffer
	frames   int
}

// New creates a recorder. Start subscribes it to bus.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) (*Recorder, error) {
	if cfg.Dir == "" {
		return nil, configError("output directory is required")
	}
	if cfg.BitDepth != 16 && cfg.BitDepth != 32 {
		return nil, configError(fmt.Sprintf("unsupported bit depth %d", cfg.BitDepth))
	}
	if cfg.FullScale <= 0 {
		cfg.FullScale = 1
	}
	if logger == nil {
		logger = logging.ForService(componentName)
	}
	return &Recorder{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*take),
	}, nil
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component(componentName).
		Category(errors.CategoryConfiguration).
		Build()
}

// Start subscribes to the event bus
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return errors.New(fmt.Errorf("create output directory: %w", err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("dir", r.cfg.Dir).
			Build()
	}
	id, err := r.bus.Subscribe(componentName, r.handle)
	if err != nil {
		return err
	}
	r.sub = id
	r.started = true
	return nil
}

// Stop unsubscribes and finalizes any file still open
func (r *Recorder) Stop() error {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()

	var errs []error
	if started {
		if err := r.bus.Unsubscribe(r.sub); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.sessions {
		if err := r.finish(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Files returns the paths of completed recordings
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

func (r *Recorder) handle(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}

	switch ev := e.(type) {
	case events.SessionInfo:
		return r.open(ev)
	case events.DataBlock:
		return r.write(ev)
	case events.StateChange:
		if ev.To.Terminal() {
			return r.finish(ev.SessionID)
		}
	case events.SessionStats:
		return r.finish(ev.SessionID)
	}
	return nil
}

func (r *Recorder) open(info events.SessionInfo) error {
	if _, ok := r.sessions[info.SessionID]; ok {
		return nil
	}
	path := filepath.Join(r.cfg.Dir, fmt.Sprintf("%s_%s.wav",
		info.StartedAt.UTC().Format("20060102T150405Z"), info.SessionID))

	f, err := os.Create(path) //nolint:gosec // G304: path is built from the configured directory
	if err != nil {
		return errors.New(fmt.Errorf("create recording: %w", err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	// WAV headers carry an integer rate
	rate := max(int(math.Round(info.SampleRateHz)), 1)
	r.sessions[info.SessionID] = &take{
		path:     path,
		file:     f,
		enc:      wav.NewEncoder(f, rate, r.cfg.BitDepth, info.ChannelCount, wavFormatPCM),
		channels: info.ChannelCount,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: rate, NumChannels: info.ChannelCount},
			SourceBitDepth: r.cfg.BitDepth,
		},
	}
	r.logger.Info("recording session", "session_id", info.SessionID, "path", path)
	return nil
}

func (r *Recorder) write(block events.DataBlock) error {
	t, ok := r.sessions[block.SessionID]
	if !ok || block.Len() == 0 {
		return nil
	}
	if len(block.Samples) != t.channels {
		return errors.Newf("block has %d channels, recording has %d", len(block.Samples), t.channels).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("session_id", block.SessionID).
			Build()
	}

	n := block.Len()
	peak := float64(int64(1)<<(r.cfg.BitDepth-1) - 1)
	t.buf.Data = interleave(t.buf.Data[:0], block.Samples, n, peak/r.cfg.FullScale, peak)
	if err := t.enc.Write(t.buf); err != nil {
		return errors.New(fmt.Errorf("write recording: %w", err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("path", t.path).
			Build()
	}
	t.frames += n
	return nil
}

// interleave converts channel-major float samples to frame-major integers,
// clipping at peak
func interleave(dst []int, samples [][]float32, frames int, scale, peak float64) []int {
	for i := range frames {
		for c := range samples {
			v := math.Round(float64(samples[c][i]) * scale)
			v = max(min(v, peak), -peak)
			dst = append(dst, int(v))
		}
	}
	return dst
}

func (r *Recorder) finish(sessionID string) error {
	t, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)

	encErr := t.enc.Close()
	fileErr := t.file.Close()
	if err := errors.Join(encErr, fileErr); err != nil {
		return errors.New(fmt.Errorf("finalize recording: %w", err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("path", t.path).
			Build()
	}
	r.files = append(r.files, t.path)
	r.logger.Info("recording finished",
		"session_id", sessionID,
		"path", t.path,
		"frames", t.frames)
	return nil
}
