// Package observability provides metrics and monitoring capabilities for
// the acquisition pipeline.
package observability

import (
	"fmt"
	stdlog "log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Gameminde/Chneowave-sub003/internal/errorbus"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
	"github.com/Gameminde/Chneowave-sub003/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry    *prometheus.Registry
	Acquisition *metrics.AcquisitionMetrics
	MQTT        *metrics.MQTTMetrics
	Bus         *metrics.BusMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric collectors.
// The buses may be nil when bus statistics are not wanted.
// It returns an error if any metric collector fails to initialize.
func NewMetrics(ev *events.Bus, eb *errorbus.Bus) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register Go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	acquisitionMetrics, err := metrics.NewAcquisitionMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create acquisition metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	busMetrics, err := metrics.NewBusMetrics(registry, ev, eb)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus metrics: %w", err)
	}

	return &Metrics{
		registry:    registry,
		Acquisition: acquisitionMetrics,
		MQTT:        mqttMetrics,
		Bus:         busMetrics,
	}, nil
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", m.metricsHandler)
}

// metricsHandler is the HTTP handler for the /metrics endpoint.
func (m *Metrics) metricsHandler(w http.ResponseWriter, r *http.Request) {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(os.Stderr, "metrics handler: ", stdlog.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	h.ServeHTTP(w, r)
}
