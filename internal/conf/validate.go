package conf

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// backendNames are the registry names a preference may use
var backendNames = []string{"malgo", "mqtt", "simulation"}

// ValidationError collects every problem found in a Settings value
type ValidationError struct {
	Errors []string
}

// Error returns all validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks the settings section by section and reports all
// problems at once
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, check := range []func(*Settings) error{
		validateLogSettings,
		validateAcquisitionSettings,
		validateBufferSettings,
		validateBusSettings,
		validateBackendSettings,
		validateTelemetrySettings,
		validateNotificationSettings,
		validateRecorderSettings,
	} {
		if err := check(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateLogSettings(s *Settings) error {
	var errs []error
	if err := validateEnvLogLevel(s.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", s.Log.Format))
	}
	if s.Log.File.Enabled && s.Log.File.Path == "" {
		errs = append(errs, errors.New("log.file.path is required when file logging is enabled"))
	}
	return errors.Join(errs...)
}

func validateAcquisitionSettings(s *Settings) error {
	a := &s.Acquisition
	var errs []error
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("acquisition.samplerate must be positive, got %g", a.SampleRate))
	}
	if a.Channels <= 0 {
		errs = append(errs, fmt.Errorf("acquisition.channels must be positive, got %d", a.Channels))
	}
	if err := validateBackendName(a.Backend); err != nil {
		errs = append(errs, fmt.Errorf("acquisition.backend: %w", err))
	}
	if a.Duration < 0 || a.DrainInterval < 0 || a.StopTimeout < 0 {
		errs = append(errs, errors.New("acquisition durations must not be negative"))
	}
	if a.MaxBlockSamples < 0 || a.MaxConsecutiveFull < 0 {
		errs = append(errs, errors.New("acquisition.maxblocksamples and maxconsecutivefull must not be negative"))
	}
	return errors.Join(errs...)
}

func validateBufferSettings(s *Settings) error {
	b := &s.Buffer
	var errs []error
	if b.CapacityPerChannel <= 0 {
		errs = append(errs, fmt.Errorf("buffer.capacityperchannel must be positive, got %d", b.CapacityPerChannel))
	}
	if err := validateOverflowPolicy(b.OverflowPolicy); err != nil {
		errs = append(errs, fmt.Errorf("buffer.overflowpolicy: %w", err))
	}
	if b.WarnThreshold <= 0 || b.WarnThreshold > 100 {
		errs = append(errs, fmt.Errorf("buffer.warnthreshold must be in (0, 100], got %g", b.WarnThreshold))
	}
	if b.SIMDAlignment != 0 && (b.SIMDAlignment < 0 || bits.OnesCount(uint(b.SIMDAlignment)) != 1) {
		errs = append(errs, fmt.Errorf("buffer.simdalignment must be a power of two, got %d", b.SIMDAlignment))
	}
	if b.MemoryBudget < 0 || b.BlockTimeout < 0 {
		errs = append(errs, errors.New("buffer.memorybudget and blocktimeout must not be negative"))
	}
	return errors.Join(errs...)
}

func validateBusSettings(s *Settings) error {
	var errs []error
	if s.ErrorBus.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("errorbus.historysize must be positive, got %d", s.ErrorBus.HistorySize))
	}
	if s.ErrorBus.DedupWindow < 0 || s.ErrorBus.CloseTimeout < 0 || s.EventBus.CloseTimeout < 0 {
		errs = append(errs, errors.New("bus timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

func validateBackendSettings(s *Settings) error {
	var errs []error
	m := &s.Backends.Malgo
	if m.Enabled && (m.DeviceRate <= 0 || m.BufferFrames <= 0) {
		errs = append(errs, errors.New("backends.malgo.devicerate and bufferframes must be positive"))
	}

	q := &s.Backends.MQTT
	if q.Enabled {
		if err := validateEnvBrokerURL(q.Broker); err != nil {
			errs = append(errs, fmt.Errorf("backends.mqtt.broker: %w", err))
		}
		if len(q.Topics) == 0 {
			errs = append(errs, errors.New("backends.mqtt.topics must list at least one topic"))
		}
	}
	if q.QoS < 0 || q.QoS > 2 {
		errs = append(errs, fmt.Errorf("backends.mqtt.qos must be 0, 1 or 2, got %d", q.QoS))
	}

	sim := &s.Backends.Simulation
	if sim.BlockSize < 0 || sim.Noise < 0 || sim.TimeScale <= 0 {
		errs = append(errs, errors.New("backends.simulation: blocksize and noise must not be negative, timescale must be positive"))
	}
	return errors.Join(errs...)
}

func validateTelemetrySettings(s *Settings) error {
	var errs []error
	if s.Telemetry.Metrics.Enabled {
		if err := validateEnvListen(s.Telemetry.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("telemetry.metrics.listen: %w", err))
		}
	}
	if s.Telemetry.Sentry.Enabled {
		if s.Telemetry.Sentry.DSN == "" {
			errs = append(errs, errors.New("telemetry.sentry.dsn is required when sentry is enabled"))
		}
		if err := validateMessageLevel(s.Telemetry.Sentry.MinLevel); err != nil {
			errs = append(errs, fmt.Errorf("telemetry.sentry.minlevel: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validateNotificationSettings(s *Settings) error {
	n := &s.Notification
	if !n.Enabled {
		return nil
	}
	var errs []error
	if len(n.URLs) == 0 {
		errs = append(errs, errors.New("notification.urls must list at least one service URL"))
	}
	if err := validateMessageLevel(n.MinLevel); err != nil {
		errs = append(errs, fmt.Errorf("notification.minlevel: %w", err))
	}
	if n.RateLimitWindow < 0 || n.RateLimitMaxEvents < 0 {
		errs = append(errs, errors.New("notification rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

func validateRecorderSettings(s *Settings) error {
	r := &s.Recorder
	if !r.Enabled {
		return nil
	}
	var errs []error
	if r.Path == "" {
		errs = append(errs, errors.New("recorder.path is required when recording is enabled"))
	}
	if r.BitDepth != 16 && r.BitDepth != 32 {
		errs = append(errs, fmt.Errorf("recorder.bitdepth must be 16 or 32, got %d", r.BitDepth))
	}
	return errors.Join(errs...)
}

func validateBackendName(name string) error {
	if name == "" {
		return nil
	}
	for _, n := range backendNames {
		if strings.EqualFold(n, name) {
			return nil
		}
	}
	return fmt.Errorf("unknown backend %q, expected one of %s", name, strings.Join(backendNames, ", "))
}

func validateOverflowPolicy(policy string) error {
	switch strings.ToLower(policy) {
	case "block", "overwrite":
		return nil
	}
	return fmt.Errorf("must be block or overwrite, got %q", policy)
}

func validateMessageLevel(level string) error {
	switch strings.ToUpper(level) {
	case "INFO", "WARNING", "ERROR", "CRITICAL":
		return nil
	}
	return fmt.Errorf("must be INFO, WARNING, ERROR or CRITICAL, got %q", level)
}
