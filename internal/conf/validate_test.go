package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"defaults", func(*Settings) {}, ""},
		{"bad log level", func(s *Settings) { s.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(s *Settings) { s.Log.Format = "xml" }, "log.format"},
		{"file log without path", func(s *Settings) {
			s.Log.File.Enabled = true
			s.Log.File.Path = ""
		}, "log.file.path"},
		{"zero sample rate", func(s *Settings) { s.Acquisition.SampleRate = 0 }, "acquisition.samplerate"},
		{"unknown backend", func(s *Settings) { s.Acquisition.Backend = "firewire" }, "acquisition.backend"},
		{"backend is case insensitive", func(s *Settings) { s.Acquisition.Backend = "Simulation" }, ""},
		{"negative drain interval", func(s *Settings) { s.Acquisition.DrainInterval = -1 }, "durations"},
		{"zero capacity", func(s *Settings) { s.Buffer.CapacityPerChannel = 0 }, "capacityperchannel"},
		{"threshold above 100", func(s *Settings) { s.Buffer.WarnThreshold = 101 }, "warnthreshold"},
		{"alignment not power of two", func(s *Settings) { s.Buffer.SIMDAlignment = 24 }, "simdalignment"},
		{"zero history", func(s *Settings) { s.ErrorBus.HistorySize = 0 }, "historysize"},
		{"mqtt without topics", func(s *Settings) {
			s.Backends.MQTT.Enabled = true
			s.Backends.MQTT.Broker = "tcp://localhost:1883"
		}, "topics"},
		{"mqtt bad scheme", func(s *Settings) {
			s.Backends.MQTT.Enabled = true
			s.Backends.MQTT.Broker = "http://localhost"
			s.Backends.MQTT.Topics = []string{"a"}
		}, "backends.mqtt.broker"},
		{"qos out of range", func(s *Settings) { s.Backends.MQTT.QoS = 3 }, "qos"},
		{"zero time scale", func(s *Settings) { s.Backends.Simulation.TimeScale = 0 }, "timescale"},
		{"metrics listen without port", func(s *Settings) {
			s.Telemetry.Metrics.Enabled = true
			s.Telemetry.Metrics.Listen = "localhost"
		}, "telemetry.metrics.listen"},
		{"sentry without dsn", func(s *Settings) { s.Telemetry.Sentry.Enabled = true }, "dsn"},
		{"notification without urls", func(s *Settings) { s.Notification.Enabled = true }, "notification.urls"},
		{"notification bad level", func(s *Settings) {
			s.Notification.Enabled = true
			s.Notification.URLs = []string{"logger://"}
			s.Notification.MinLevel = "fatal"
		}, "notification.minlevel"},
		{"notification negative rate limit", func(s *Settings) {
			s.Notification.Enabled = true
			s.Notification.URLs = []string{"logger://"}
			s.Notification.RateLimitMaxEvents = -1
		}, "rate limit"},
		{"recorder bit depth", func(s *Settings) {
			s.Recorder.Enabled = true
			s.Recorder.BitDepth = 24
		}, "bitdepth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := Defaults()
			tt.mutate(s)
			err := ValidateSettings(s)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
