// Package observability provides Prometheus metrics functionality for
// monitoring the acquisition pipeline. Fault telemetry is handled in the
// telemetry package.
package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/conf"
	metricspkg "github.com/Gameminde/Chneowave-sub003/internal/observability/metrics"
)

// Endpoint serves the Prometheus-compatible metrics endpoint.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics

	mu       sync.Mutex
	listener net.Listener
}

// NewEndpoint creates a new instance of the metrics Endpoint.
//
// If metrics are not enabled in the settings, it returns an error. The
// function does not create new metrics but uses the provided Metrics
// instance.
func NewEndpoint(settings *conf.Settings, metrics *Metrics) (*Endpoint, error) {
	if !settings.Telemetry.Metrics.Enabled {
		return nil, errors.New("metrics endpoint not enabled in settings")
	}

	return &Endpoint{
		listenAddress: settings.Telemetry.Metrics.Listen,
		metrics:       metrics,
	}, nil
}

// Start binds the listen address and serves until ctx is cancelled. It
// returns once the listener is bound so callers can read Addr.
func (e *Endpoint) Start(ctx context.Context, wg *sync.WaitGroup) error {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	ln, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.listener = ln
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := e.server
	e.mu.Unlock()

	wg.Go(func() {
		log.Info("metrics endpoint starting", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics HTTP server error", "error", err)
		}
	})

	wg.Go(func() { e.gracefulShutdown(ctx) })
	return nil
}

// Addr returns the bound address, or "" before Start.
func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// gracefulShutdown waits for ctx and shuts down the server gracefully.
func (e *Endpoint) gracefulShutdown(ctx context.Context) {
	<-ctx.Done()
	log.Info("stopping metrics endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics endpoint shutdown error", "error", err)
	}
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
