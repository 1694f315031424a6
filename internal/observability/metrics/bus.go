package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Gameminde/Chneowave-sub003/internal/errorbus"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
)

// BusMetrics reads event bus and error bus statistics at scrape time
type BusMetrics struct {
	events *events.Bus
	errors *errorbus.Bus

	published     *prometheus.Desc
	delivered     *prometheus.Desc
	handlerErrors *prometheus.Desc
	panics        *prometheus.Desc
	queueDepth    *prometheus.Desc
	messages      *prometheus.Desc
	suppressed    *prometheus.Desc
	history       *prometheus.Desc
}

// NewBusMetrics creates and registers a collector for both buses. Either
// bus may be nil.
func NewBusMetrics(registry *prometheus.Registry, ev *events.Bus, eb *errorbus.Bus) (*BusMetrics, error) {
	m := &BusMetrics{
		events: ev,
		errors: eb,
		published: prometheus.NewDesc("bus_published_total",
			"Values accepted for delivery", []string{LabelBus, "kind"}, nil),
		delivered: prometheus.NewDesc("bus_delivered_total",
			"Handler invocations that returned without error", []string{LabelBus}, nil),
		handlerErrors: prometheus.NewDesc("bus_handler_errors_total",
			"Handler invocations that returned an error", []string{LabelBus}, nil),
		panics: prometheus.NewDesc("bus_handler_panics_total",
			"Handler invocations that panicked", []string{LabelBus}, nil),
		queueDepth: prometheus.NewDesc("bus_subscriber_queue_depth",
			"Undelivered values queued for a subscriber", []string{LabelBus, LabelSubscriber}, nil),
		messages: prometheus.NewDesc("errorbus_messages_total",
			"Error bus messages published by level", []string{LabelLevel}, nil),
		suppressed: prometheus.NewDesc("errorbus_suppressed_total",
			"Duplicate messages dropped by the dedup window", nil, nil),
		history: prometheus.NewDesc("errorbus_history_size",
			"Messages currently retained in history", nil, nil),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register bus metrics: %w", err)
	}
	return m, nil
}

// Describe implements the prometheus.Collector interface.
func (m *BusMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.published
	ch <- m.delivered
	ch <- m.handlerErrors
	ch <- m.panics
	ch <- m.queueDepth
	ch <- m.messages
	ch <- m.suppressed
	ch <- m.history
}

// Collect implements the prometheus.Collector interface.
func (m *BusMetrics) Collect(ch chan<- prometheus.Metric) {
	if m.events != nil {
		st := m.events.Stats()
		ch <- prometheus.MustNewConstMetric(m.published, prometheus.CounterValue, float64(st.BlocksPublished), BusEvents, "data")
		ch <- prometheus.MustNewConstMetric(m.published, prometheus.CounterValue, float64(st.LifecyclePublished), BusEvents, "lifecycle")
		ch <- prometheus.MustNewConstMetric(m.delivered, prometheus.CounterValue, float64(st.Delivered), BusEvents)
		ch <- prometheus.MustNewConstMetric(m.handlerErrors, prometheus.CounterValue, float64(st.HandlerErrors), BusEvents)
		ch <- prometheus.MustNewConstMetric(m.panics, prometheus.CounterValue, float64(st.HandlerPanics), BusEvents)
		for name, depth := range m.events.QueueDepths() {
			ch <- prometheus.MustNewConstMetric(m.queueDepth, prometheus.GaugeValue, float64(depth), BusEvents, name)
		}
	}

	if m.errors != nil {
		st := m.errors.Stats()
		ch <- prometheus.MustNewConstMetric(m.published, prometheus.CounterValue, float64(st.Published), BusErrors, "message")
		ch <- prometheus.MustNewConstMetric(m.delivered, prometheus.CounterValue, float64(st.Delivered), BusErrors)
		ch <- prometheus.MustNewConstMetric(m.handlerErrors, prometheus.CounterValue, float64(st.HandlerErrors), BusErrors)
		ch <- prometheus.MustNewConstMetric(m.panics, prometheus.CounterValue, float64(st.Panics), BusErrors)
		for name, depth := range m.errors.QueueDepths() {
			ch <- prometheus.MustNewConstMetric(m.queueDepth, prometheus.GaugeValue, float64(depth), BusErrors, name)
		}
		for level, n := range m.errors.Counts() {
			ch <- prometheus.MustNewConstMetric(m.messages, prometheus.CounterValue, float64(n), level.String())
		}
		ch <- prometheus.MustNewConstMetric(m.suppressed, prometheus.CounterValue, float64(m.errors.Suppressed()))
		ch <- prometheus.MustNewConstMetric(m.history, prometheus.GaugeValue, float64(m.errors.Count()))
	}
}
