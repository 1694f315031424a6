package acquisition

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/buffer"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
	"github.com/Gameminde/Chneowave-sub003/internal/session"
)

// run is the state of one session. The ring buffer has exactly one
// producer (the backend goroutine through onBlock) and one consumer (the
// drain loop, then the final flush once the loop has exited).
type run struct {
	id        string
	cfg       SessionConfig
	bufCfg    buffer.Config
	buf       *buffer.RingBuffer
	backend   backend.Backend
	machine   *session.Machine
	info      events.SessionInfo
	startedAt time.Time

	drainInterval time.Duration
	maxBlock      int

	// producer side
	anchor          atomic.Int64 // unix nanos of the first produced frame
	consecutiveFull atomic.Int64
	peakFull        atomic.Int64
	discarded       atomic.Uint64
	stopping        atomic.Bool // teardown began; producer stops retrying
	halted          atomic.Bool // backend callbacks are ignored

	// consumer side
	seq            atomic.Uint64
	blocks         atomic.Uint64
	frames         atomic.Uint64
	aboveThreshold bool
	lastOverflow   uint64
	lastRejected   uint64
	stopDrain      chan struct{}
	drainDone      chan struct{}

	// held across a transition and its announcement so subscribers see
	// state changes in the order they were applied
	stateMu sync.Mutex

	finishedAt   atomic.Int64
	teardownOnce sync.Once
	teardownErr  error
	stopOnce     sync.Once
}

func (r *run) backendSource() string {
	return "backend." + r.backend.Name()
}

func (r *run) notePeakFull(n int64) {
	for {
		cur := r.peakFull.Load()
		if n <= cur || r.peakFull.CompareAndSwap(cur, n) {
			return
		}
	}
}

// backoff pauses the producer before retrying a BufferFull write. With a
// BlockTimeout the buffer already waited, so only a short yield remains.
func (r *run) backoff() {
	d := r.drainInterval / 4
	if r.bufCfg.BlockTimeout > 0 {
		d = min(d, r.bufCfg.BlockTimeout)
	}
	timer := time.NewTimer(max(d, time.Millisecond))
	<-timer.C
}

// frameTime returns the capture time of frame index i, measured from the
// first frame the backend delivered
func (r *run) frameTime(i uint64) time.Time {
	anchor := r.anchor.Load()
	if anchor == 0 {
		return time.Now()
	}
	offset := time.Duration(float64(i) / r.bufCfg.SampleRateHz * float64(time.Second))
	return time.Unix(0, anchor).Add(offset)
}

// snapshot copies the session accounting
func (r *run) snapshot() events.SessionStats {
	s := events.SessionStats{
		SessionID:        r.id,
		Backend:          r.backend.Name(),
		FinalState:       r.machine.State(),
		StartedAt:        r.startedAt,
		BlocksPublished:  r.blocks.Load(),
		SamplesPublished: r.frames.Load(),
		LastSequenceID:   r.seq.Load(),
		Buffer:           r.buf.Stats(),
		ConsecutiveFull:  int(r.peakFull.Load()),
	}
	if s.FinalState.Terminal() {
		if ns := r.finishedAt.Load(); ns != 0 {
			s.FinishedAt = time.Unix(0, ns)
		} else {
			s.FinishedAt = time.Now()
		}
	}
	return s
}
