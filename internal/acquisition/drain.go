package acquisition

import (
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/events"
)

// drainLoop publishes buffered samples every drain interval until the
// session is torn down
func (a *Adapter) drainLoop(r *run) {
	defer close(r.drainDone)

	ticker := time.NewTicker(r.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopDrain:
			return
		case <-ticker.C:
			a.checkBuffer(r)
			if samples := r.buf.ReadChannels(r.maxBlock); len(samples) > 0 && len(samples[0]) > 0 {
				a.publish(r, samples)
			}
		}
	}
}

// checkBuffer turns buffer quality signals into WARNING messages. The
// threshold warning fires once per crossing and re-arms when usage falls
// back below the threshold.
func (a *Adapter) checkBuffer(r *run) {
	usage := r.buf.UsagePercent()
	st := r.buf.Stats()
	name := r.backend.Name()
	a.metrics.RecordBufferUsage(name, usage, r.buf.Pending())

	threshold := r.bufCfg.OverflowWarnThresholdPercent
	switch {
	case usage >= threshold && !r.aboveThreshold:
		r.aboveThreshold = true
		a.errors.Warning(source, "buffer usage above warning threshold",
			"session_id", r.id,
			"usage_percent", usage,
			"threshold_percent", threshold,
		)
	case usage < threshold:
		r.aboveThreshold = false
	}

	if st.OverflowCount > r.lastOverflow {
		dropped := st.OverflowCount - r.lastOverflow
		r.lastOverflow = st.OverflowCount
		a.metrics.RecordOverflow(name, dropped)
		a.errors.Warning(source, "buffer overflow, oldest samples overwritten",
			"session_id", r.id,
			"dropped_frames", dropped,
			"overflow_total", st.OverflowCount,
		)
	}

	if st.Rejected > r.lastRejected {
		rejected := st.Rejected - r.lastRejected
		r.lastRejected = st.Rejected
		a.metrics.RecordRejected(name, rejected)
		a.errors.Warning(source, "buffer full, producer back-pressured",
			"session_id", r.id,
			"rejected_writes", rejected,
		)
	}
}

// publish wraps drained samples in a DataBlock with the next sequence ID
func (a *Adapter) publish(r *run, samples [][]float32) {
	n := 0
	if len(samples) > 0 {
		n = len(samples[0])
	}
	// the read cursor counts every frame consumed, drained or overwritten
	st := r.buf.Stats()
	first := st.Read + st.OverflowCount - uint64(n)

	block := events.DataBlock{
		Samples:      samples,
		Timestamp:    r.frameTime(first),
		SampleRate:   r.bufCfg.SampleRateHz,
		ChannelCount: r.bufCfg.ChannelCount,
		SequenceID:   r.seq.Add(1),
		SessionID:    r.id,
	}
	a.events.PublishDataBlock(block)
	r.blocks.Add(1)
	r.frames.Add(uint64(n))
	a.metrics.RecordBlockPublished(r.backend.Name(), n)
}

// flush publishes everything still buffered as one final block, which is
// empty when nothing is pending. It runs after the drain loop has exited.
func (a *Adapter) flush(r *run) {
	a.checkBuffer(r)
	samples := r.buf.ReadChannels(r.bufCfg.CapacityPerChannel)
	if len(samples) == 0 {
		samples = make([][]float32, r.bufCfg.ChannelCount)
		for c := range samples {
			samples[c] = []float32{}
		}
	}
	a.publish(r, samples)
	if d := r.discarded.Load(); d > 0 {
		a.errors.Warning(source, "frames discarded while stopping under back-pressure",
			"session_id", r.id,
			"frames", d,
		)
	}
}
