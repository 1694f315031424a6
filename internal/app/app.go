// Package app wires the acquisition core, its backends and the optional
// consumers into one running process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Gameminde/Chneowave-sub003/internal/acquisition"
	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/backend/malgo"
	"github.com/Gameminde/Chneowave-sub003/internal/backend/mqtt"
	"github.com/Gameminde/Chneowave-sub003/internal/backend/simulation"
	"github.com/Gameminde/Chneowave-sub003/internal/buffer"
	"github.com/Gameminde/Chneowave-sub003/internal/buildinfo"
	"github.com/Gameminde/Chneowave-sub003/internal/conf"
	"github.com/Gameminde/Chneowave-sub003/internal/errorbus"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
	"github.com/Gameminde/Chneowave-sub003/internal/notification"
	"github.com/Gameminde/Chneowave-sub003/internal/observability"
	"github.com/Gameminde/Chneowave-sub003/internal/recorder"
	"github.com/Gameminde/Chneowave-sub003/internal/session"
	"github.com/Gameminde/Chneowave-sub003/internal/telemetry"
)

var log = logging.ForService("app")

// App owns every long lived component of a run
type App struct {
	settings *conf.Settings
	build    *buildinfo.Context
	logger   *slog.Logger

	Events   *events.Bus
	Errors   *errorbus.Bus
	Registry *backend.Registry
	Adapter  *acquisition.Adapter
	Metrics  *observability.Metrics

	endpoint  *observability.Endpoint
	forwarder *notification.Forwarder
	reporter  *telemetry.Reporter
	recorder  *recorder.Recorder

	wg sync.WaitGroup
}

// New builds the buses, the backend registry, the adapter and whichever
// consumers the settings enable. Nothing is started yet.
func New(settings *conf.Settings, build *buildinfo.Context) (*App, error) {
	a := &App{settings: settings, build: build, logger: log}

	a.Events = events.New()
	a.Errors = errorbus.New(
		errorbus.WithHistorySize(settings.ErrorBus.HistorySize),
		errorbus.WithDedupWindow(settings.ErrorBus.DedupWindow),
	)

	metrics, err := observability.NewMetrics(a.Events, a.Errors)
	if err != nil {
		return nil, err
	}
	a.Metrics = metrics

	a.Registry = NewRegistry(settings, metrics.MQTT)

	a.Adapter, err = acquisition.New(acquisition.Deps{
		Events:   a.Events,
		Errors:   a.Errors,
		Registry: a.Registry,
		Metrics:  metrics.Acquisition,
	},
		acquisition.WithDrainInterval(settings.Acquisition.DrainInterval),
		acquisition.WithStopTimeout(settings.Acquisition.StopTimeout),
		acquisition.WithMaxConsecutiveFull(settings.Acquisition.MaxConsecutiveFull),
	)
	if err != nil {
		return nil, err
	}

	if settings.Telemetry.Metrics.Enabled {
		if a.endpoint, err = observability.NewEndpoint(settings, metrics); err != nil {
			return nil, err
		}
	}

	if n := settings.Notification; n.Enabled {
		provider, err := notification.NewShoutrrrProvider("shoutrrr", n.URLs, notification.DefaultSendTimeout)
		if err != nil {
			return nil, err
		}
		level, err := errorbus.ParseLevel(n.MinLevel)
		if err != nil {
			return nil, err
		}
		a.forwarder = notification.NewForwarder(a.Errors, provider,
			notification.WithMinLevel(level),
			notification.WithTitle(n.Title),
			notification.WithRateLimit(n.RateLimitWindow, n.RateLimitMaxEvents),
		)
	}

	if s := settings.Telemetry.Sentry; s.Enabled {
		level, err := errorbus.ParseLevel(s.MinLevel)
		if err != nil {
			return nil, err
		}
		a.reporter, err = telemetry.NewReporter(telemetry.Config{
			DSN:         s.DSN,
			Environment: s.Environment,
			Release:     conf.AppName + "@" + build.GetVersion(),
			MinLevel:    level,
		}, a.Errors)
		if err != nil {
			return nil, err
		}
	}

	if r := settings.Recorder; r.Enabled {
		if a.recorder, err = recorder.New(recorder.Config{Dir: r.Path, BitDepth: r.BitDepth}, a.Events, nil); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// NewRegistry registers the enabled hardware backends in probe order,
// malgo before mqtt, with simulation as the fallback
func NewRegistry(settings *conf.Settings, mqttMetrics mqtt.Observer) *backend.Registry {
	reg := backend.NewRegistry(simulation.New(nil))
	if settings.Backends.Malgo.Enabled {
		reg.Register(malgo.New(malgo.Config{StopTimeout: settings.Backends.Malgo.StopTimeout}, nil))
	}
	if m := settings.Backends.MQTT; m.Enabled {
		reg.Register(mqtt.New(mqtt.Config{
			Broker:         m.Broker,
			ClientID:       m.ClientID,
			Username:       m.Username,
			Password:       m.Password,
			Topics:         m.Topics,
			QoS:            byte(m.QoS),
			ProbeTimeout:   m.ProbeTimeout,
			ConnectTimeout: m.ConnectTimeout,
			Metrics:        mqttMetrics,
		}, nil))
	}
	return reg
}

// SessionConfig converts settings into the session record
func SessionConfig(settings *conf.Settings) (acquisition.SessionConfig, error) {
	policy, err := buffer.ParseOverflowPolicy(settings.Buffer.OverflowPolicy)
	if err != nil {
		return acquisition.SessionConfig{}, err
	}
	b := settings.Backends
	extra := map[string]any{
		simulation.ExtraNoise:     b.Simulation.Noise,
		simulation.ExtraSeed:      b.Simulation.Seed,
		simulation.ExtraTimeScale: b.Simulation.TimeScale,
		simulation.ExtraAmplitude: b.Simulation.Amplitude,
		malgo.ExtraDeviceRate:     b.Malgo.DeviceRate,
		malgo.ExtraBufferFrames:   b.Malgo.BufferFrames,
		malgo.ExtraGain:           b.Malgo.Gain,
		mqtt.ExtraReassemblyBytes: b.MQTT.ReassemblyBytes,
	}
	// 0 lets the simulation derive its block size from the rate
	if b.Simulation.BlockSize > 0 {
		extra[simulation.ExtraBlockSize] = b.Simulation.BlockSize
	}
	return acquisition.SessionConfig{
		SampleRateHz:                 settings.Acquisition.SampleRate,
		ChannelCount:                 settings.Acquisition.Channels,
		BufferCapacityPerChannel:     settings.Buffer.CapacityPerChannel,
		OverflowPolicy:               policy,
		BackendPreference:            settings.Acquisition.Backend,
		DeviceID:                     settings.Acquisition.Device,
		BlockTimeout:                 settings.Buffer.BlockTimeout,
		DrainInterval:                settings.Acquisition.DrainInterval,
		MaxBlockSamples:              settings.Acquisition.MaxBlockSamples,
		OverflowWarnThresholdPercent: settings.Buffer.WarnThreshold,
		SIMDAlignment:                settings.Buffer.SIMDAlignment,
		MemoryBudgetBytes:            settings.Buffer.MemoryBudget,
		Extra:                        extra,
	}, nil
}

// Run starts the consumers and one session, then waits until ctx is done,
// the configured duration elapses or the session fails. The session is
// always stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	cfg, err := SessionConfig(a.settings)
	if err != nil {
		return err
	}

	if err := a.startConsumers(ctx); err != nil {
		return err
	}

	failed := make(chan struct{})
	var failOnce sync.Once
	watch, err := a.Events.SubscribeLifecycle("app.watch", func(e events.Event) error {
		if sc, ok := e.(events.StateChange); ok && sc.To == session.Failed {
			failOnce.Do(func() { close(failed) })
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = a.Events.UnsubscribeLifecycle(watch) }()

	info, err := a.Adapter.StartSession(ctx, cfg)
	if err != nil {
		return err
	}
	a.logger.Info("session started",
		"session_id", info.SessionID,
		"backend", info.Backend,
		"fallback", info.Fallback,
		"sample_rate_hz", info.SampleRateHz,
		"channels", info.ChannelCount)

	var timeout <-chan time.Time
	if d := a.settings.Acquisition.Duration; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case <-timeout:
		a.logger.Info("acquisition duration reached", "duration", a.settings.Acquisition.Duration)
	case <-failed:
		runErr = errors.Newf("session %s failed", info.SessionID).
			Component("app").
			Category(errors.CategoryState).
			Build()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.Acquisition.StopTimeout+time.Second)
	defer cancel()
	if err := a.Adapter.StopSession(stopCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	stats := a.Adapter.Stats()
	a.logger.Info("session ended",
		"session_id", stats.SessionID,
		"state", stats.FinalState.String(),
		"blocks", stats.BlocksPublished,
		"frames", stats.SamplesPublished,
		"overflow", stats.Buffer.OverflowCount,
		"duration", stats.Duration().Round(time.Millisecond))
	return runErr
}

func (a *App) startConsumers(ctx context.Context) error {
	if a.endpoint != nil {
		if err := a.endpoint.Start(ctx, &a.wg); err != nil {
			return errors.New(fmt.Errorf("start metrics endpoint: %w", err)).
				Component("app").
				Category(errors.CategoryNetwork).
				Build()
		}
		a.logger.Info("metrics endpoint listening", "addr", a.endpoint.Addr())
	}
	if a.forwarder != nil {
		if err := a.forwarder.Start(); err != nil {
			return err
		}
	}
	if a.reporter != nil {
		if err := a.reporter.Start(); err != nil {
			return err
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown closes the adapter and drains the buses so every consumer sees
// the final events, then stops the consumers
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Adapter.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Events.Close(a.settings.EventBus.CloseTimeout); err != nil {
		errs = append(errs, err)
	}
	if a.recorder != nil {
		if err := a.recorder.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Errors.Close(a.settings.ErrorBus.CloseTimeout); err != nil {
		errs = append(errs, err)
	}

	// the buses are drained, so the sinks stop independently
	var sinks errgroup.Group
	if a.reporter != nil {
		sinks.Go(func() error {
			if !a.reporter.Stop(2 * time.Second) {
				return errors.NewStd("sentry flush timed out")
			}
			return nil
		})
	}
	if a.forwarder != nil {
		sinks.Go(a.forwarder.Stop)
	}
	if err := sinks.Wait(); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
