// Package metrics provides custom Prometheus metrics for the acquisition
// pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains all Prometheus metrics related to the MQTT data
// logger backend.
type MQTTMetrics struct {
	ConnectionStatus   prometheus.Gauge
	MessagesReceived   prometheus.Counter
	BytesReceived      prometheus.Counter
	Errors             prometheus.Counter
	ReassemblyOverruns prometheus.Counter
	LastConnectTime    prometheus.Gauge
	MessageSize        prometheus.Histogram
	registry           *prometheus.Registry
}

// NewMQTTMetrics creates a new instance of MQTTMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register MQTT metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for MQTTMetrics.
func (m *MQTTMetrics) initMetrics() {
	m.ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_connection_status",
		Help: "Current broker connection status (1 for connected, 0 for disconnected)",
	})

	m.MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_messages_received_total",
		Help: "Total number of sample payloads received from the data logger",
	})

	m.BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_received_bytes_total",
		Help: "Total payload bytes received from the data logger",
	})

	m.Errors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_errors_total",
		Help: "Total number of MQTT connection errors",
	})

	m.ReassemblyOverruns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_reassembly_overrun_bytes_total",
		Help: "Payload bytes dropped because the reassembly ring was full",
	})

	m.LastConnectTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_last_connect_time_seconds",
		Help: "Timestamp of the last successful broker connection",
	})

	m.MessageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mqtt_message_size_bytes",
		Help:    "Size of data logger payloads in bytes",
		Buckets: prometheus.ExponentialBuckets(BucketStart64, BucketFactor2, BucketCount10),
	})
}

// UpdateConnectionStatus updates the connection status and last connect time.
// It should be called when the connection status changes.
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if connected {
		m.ConnectionStatus.Set(1)
		m.LastConnectTime.SetToCurrentTime()
	} else {
		m.ConnectionStatus.Set(0)
	}
}

// RecordMessage counts one received payload of size bytes.
func (m *MQTTMetrics) RecordMessage(size int) {
	m.MessagesReceived.Inc()
	m.BytesReceived.Add(float64(size))
	m.MessageSize.Observe(float64(size))
}

// RecordOverrun counts payload bytes the reassembly ring had to drop.
func (m *MQTTMetrics) RecordOverrun(bytes int) {
	m.ReassemblyOverruns.Add(float64(bytes))
}

// IncrementErrors increments the count of MQTT errors.
func (m *MQTTMetrics) IncrementErrors() {
	m.Errors.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ConnectionStatus
	ch <- m.MessagesReceived
	ch <- m.BytesReceived
	ch <- m.Errors
	ch <- m.ReassemblyOverruns
	ch <- m.LastConnectTime
	ch <- m.MessageSize
}

// Describe implements the prometheus.Collector interface.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ConnectionStatus.Desc()
	ch <- m.MessagesReceived.Desc()
	ch <- m.BytesReceived.Desc()
	ch <- m.Errors.Desc()
	ch <- m.ReassemblyOverruns.Desc()
	ch <- m.LastConnectTime.Desc()
	ch <- m.MessageSize.Desc()
}
