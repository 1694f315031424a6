package conf

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding ties a config key to its environment variable
type envBinding struct {
	ConfigKey string             // viper config key
	EnvVar    string             // environment variable name
	Validate  func(string) error // optional
}

// getEnvBindings lists the overrides that get validated before they are
// applied. Every other key is still reachable through AutomaticEnv.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "SENSORCORE_DEBUG", validateEnvBool},
		{"log.level", "SENSORCORE_LOG_LEVEL", validateEnvLogLevel},

		{"acquisition.samplerate", "SENSORCORE_ACQUISITION_SAMPLERATE", validateEnvPositiveFloat},
		{"acquisition.channels", "SENSORCORE_ACQUISITION_CHANNELS", validateEnvPositiveInt},
		{"acquisition.backend", "SENSORCORE_ACQUISITION_BACKEND", validateEnvBackend},
		{"acquisition.device", "SENSORCORE_ACQUISITION_DEVICE", nil},

		{"buffer.capacityperchannel", "SENSORCORE_BUFFER_CAPACITYPERCHANNEL", validateEnvPositiveInt},
		{"buffer.overflowpolicy", "SENSORCORE_BUFFER_OVERFLOWPOLICY", validateEnvOverflowPolicy},

		{"backends.mqtt.broker", "SENSORCORE_MQTT_BROKER", validateEnvBrokerURL},
		{"backends.mqtt.username", "SENSORCORE_MQTT_USERNAME", nil},
		{"backends.mqtt.password", "SENSORCORE_MQTT_PASSWORD", nil},

		{"telemetry.metrics.listen", "SENSORCORE_METRICS_LISTEN", validateEnvListen},
		{"telemetry.sentry.dsn", "SENSORCORE_SENTRY_DSN", nil},
	}
}

// bindEnvVars binds the validated overrides. An invalid value is reported
// but still bound, so ValidateSettings rejects it with the field context.
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(binding.EnvVar); value != "" {
			if err := binding.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", binding.EnvVar, value, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("must be one of trace, debug, info, warn, error")
}

func validateEnvPositiveFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number: %w", err)
	}
	if f <= 0 {
		return fmt.Errorf("must be positive, got %g", f)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func validateEnvBackend(value string) error {
	return validateBackendName(value)
}

func validateEnvOverflowPolicy(value string) error {
	return validateOverflowPolicy(value)
}

func validateEnvBrokerURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func validateEnvListen(value string) error {
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
