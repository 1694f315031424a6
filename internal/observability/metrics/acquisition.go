package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Gameminde/Chneowave-sub003/internal/session"
)

// AcquisitionMetrics contains Prometheus metrics for acquisition sessions
// and their sample buffers. It satisfies acquisition.Metrics.
type AcquisitionMetrics struct {
	registry *prometheus.Registry

	bufferUsage      *prometheus.GaugeVec
	bufferPending    *prometheus.GaugeVec
	overflowsTotal   *prometheus.CounterVec
	rejectedTotal    *prometheus.CounterVec
	blocksTotal      *prometheus.CounterVec
	framesTotal      *prometheus.CounterVec
	blockFrames      *prometheus.HistogramVec
	sessionState     prometheus.Gauge
	transitionsTotal *prometheus.CounterVec
}

// NewAcquisitionMetrics creates and registers acquisition metrics
func NewAcquisitionMetrics(registry *prometheus.Registry) (*AcquisitionMetrics, error) {
	m := &AcquisitionMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register acquisition metrics: %w", err)
	}
	return m, nil
}

func (m *AcquisitionMetrics) initMetrics() {
	m.bufferUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acquisition_buffer_usage_percent",
			Help: "Pending frames as a percentage of ring buffer capacity",
		},
		[]string{LabelBackend},
	)

	m.bufferPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acquisition_buffer_pending_frames",
			Help: "Frames written but not yet drained",
		},
		[]string{LabelBackend},
	)

	m.overflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_buffer_overflow_frames_total",
			Help: "Frames overwritten before they were drained",
		},
		[]string{LabelBackend},
	)

	m.rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_buffer_rejected_writes_total",
			Help: "Writes rejected with BufferFull under the block policy",
		},
		[]string{LabelBackend},
	)

	m.blocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_blocks_published_total",
			Help: "Data blocks published on the event bus",
		},
		[]string{LabelBackend},
	)

	m.framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_frames_published_total",
			Help: "Frames published on the event bus",
		},
		[]string{LabelBackend},
	)

	m.blockFrames = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acquisition_block_frames",
			Help:    "Frames per published data block",
			Buckets: prometheus.ExponentialBuckets(BucketStart1, BucketFactor2, BucketCount15),
		},
		[]string{LabelBackend},
	)

	m.sessionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "acquisition_session_state",
		Help: "Current session state (0 idle, 1 starting, 2 running, 3 finished, 4 failed)",
	})

	m.transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_session_transitions_total",
			Help: "Applied session state transitions by target state",
		},
		[]string{"state"},
	)
}

// RecordBufferUsage sets the buffer fill gauges
func (m *AcquisitionMetrics) RecordBufferUsage(backend string, usagePercent float64, pending int) {
	m.bufferUsage.WithLabelValues(backend).Set(usagePercent)
	m.bufferPending.WithLabelValues(backend).Set(float64(pending))
}

// RecordOverflow adds overwritten frames
func (m *AcquisitionMetrics) RecordOverflow(backend string, frames uint64) {
	m.overflowsTotal.WithLabelValues(backend).Add(float64(frames))
}

// RecordRejected adds BufferFull rejections
func (m *AcquisitionMetrics) RecordRejected(backend string, writes uint64) {
	m.rejectedTotal.WithLabelValues(backend).Add(float64(writes))
}

// RecordBlockPublished counts one published block of frames
func (m *AcquisitionMetrics) RecordBlockPublished(backend string, frames int) {
	m.blocksTotal.WithLabelValues(backend).Inc()
	m.framesTotal.WithLabelValues(backend).Add(float64(frames))
	m.blockFrames.WithLabelValues(backend).Observe(float64(frames))
}

// RecordSessionState records an applied transition
func (m *AcquisitionMetrics) RecordSessionState(state session.State) {
	m.sessionState.Set(float64(state))
	m.transitionsTotal.WithLabelValues(state.String()).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *AcquisitionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.bufferUsage.Describe(ch)
	m.bufferPending.Describe(ch)
	m.overflowsTotal.Describe(ch)
	m.rejectedTotal.Describe(ch)
	m.blocksTotal.Describe(ch)
	m.framesTotal.Describe(ch)
	m.blockFrames.Describe(ch)
	m.sessionState.Describe(ch)
	m.transitionsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *AcquisitionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.bufferUsage.Collect(ch)
	m.bufferPending.Collect(ch)
	m.overflowsTotal.Collect(ch)
	m.rejectedTotal.Collect(ch)
	m.blocksTotal.Collect(ch)
	m.framesTotal.Collect(ch)
	m.blockFrames.Collect(ch)
	m.sessionState.Collect(ch)
	m.transitionsTotal.Collect(ch)
}
