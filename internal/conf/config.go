// Package conf loads sensorcore settings from YAML, SENSORCORE_ environment
// variables and built-in defaults.
package conf

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

// AppName names the config directories and the env prefix
const AppName = "sensorcore"

// EnvPrefix is prepended to every environment override
const EnvPrefix = "SENSORCORE"

//go:embed config.yaml
var defaultConfigYAML []byte

// Settings is the full application configuration
type Settings struct {
	Debug bool // true to enable debug logging

	Log          LogSettings
	Acquisition  AcquisitionSettings
	Buffer       BufferSettings
	EventBus     EventBusSettings
	ErrorBus     ErrorBusSettings
	Backends     BackendSettings
	Telemetry    TelemetrySettings
	Notification NotificationSettings
	Recorder     RecorderSettings
}

// LogSettings controls console and file logging
type LogSettings struct {
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	File   LogFileSettings
}

// LogFileSettings enables a rotated JSON log file
type LogFileSettings struct {
	Enabled    bool
	Path       string
	MaxSize    int // megabytes before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// AcquisitionSettings describes the session to run
type AcquisitionSettings struct {
	SampleRate         float64       // frames per second
	Channels           int           // channels per frame
	Backend            string        // preferred backend, empty for automatic selection
	Device             string        // backend specific device id
	Duration           time.Duration // 0 runs until interrupted
	DrainInterval      time.Duration
	MaxBlockSamples    int // 0 drains everything pending
	StopTimeout        time.Duration
	MaxConsecutiveFull int // BufferFull retries before the session fails
}

// BufferSettings sizes the per-session ring buffer
type BufferSettings struct {
	CapacityPerChannel int
	OverflowPolicy     string        // block or overwrite
	BlockTimeout       time.Duration // how long a blocking write waits for space
	WarnThreshold      float64       // usage percent that raises a warning
	SIMDAlignment      int           // bytes, power of two
	MemoryBudget       int64         // bytes, 0 disables the check
}

// EventBusSettings configures the data and lifecycle bus
type EventBusSettings struct {
	CloseTimeout time.Duration
}

// ErrorBusSettings configures the error bus
type ErrorBusSettings struct {
	HistorySize  int
	DedupWindow  time.Duration // 0 disables duplicate suppression
	CloseTimeout time.Duration
}

// BackendSettings holds per-backend tuning
type BackendSettings struct {
	Malgo      MalgoSettings
	MQTT       MQTTSettings
	Simulation SimulationSettings
}

// MalgoSettings configures the audio interface backend
type MalgoSettings struct {
	Enabled      bool
	DeviceRate   int // capture rate before decimation
	BufferFrames int
	Gain         float64
	StopTimeout  time.Duration
}

// MQTTSettings configures the networked data logger backend
type MQTTSettings struct {
	Enabled         bool
	Broker          string // tcp://host:port
	ClientID        string
	Username        string
	Password        string
	Topics          []string
	QoS             int
	ProbeTimeout    time.Duration
	ConnectTimeout  time.Duration
	ReassemblyBytes int
}

// SimulationSettings configures the synthetic signal generator
type SimulationSettings struct {
	BlockSize int // frames per callback, 0 derives it from the rate
	Noise     float64
	Seed      int
	TimeScale float64 // >1 runs faster than real time
	Amplitude float64
}

// TelemetrySettings holds the metrics endpoint and error reporting
type TelemetrySettings struct {
	Metrics MetricsSettings
	Sentry  SentrySettings
}

// MetricsSettings configures the Prometheus endpoint
type MetricsSettings struct {
	Enabled bool
	Listen  string // host:port
}

// SentrySettings configures error reporting for critical messages
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
	MinLevel    string
}

// NotificationSettings forwards error bus messages through shoutrrr
type NotificationSettings struct {
	Enabled  bool
	URLs     []string
	MinLevel string
	Title    string

	// at most RateLimitMaxEvents sends per RateLimitWindow, 0 disables
	RateLimitWindow    time.Duration
	RateLimitMaxEvents int
}

// RecorderSettings writes each session to a WAV file
type RecorderSettings struct {
	Enabled  bool
	Path     string // output directory
	BitDepth int    // 16 or 32
}

// newViper returns a viper instance carrying defaults and env bindings
func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaultConfig(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, bindEnvVars(v)
}

// Defaults returns the built-in settings without reading files or the
// environment
func Defaults() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		// defaults are static, so this only fails on a programming error
		panic(fmt.Sprintf("conf: invalid defaults: %v", err))
	}
	return settings
}

// Load reads settings from path, or from the first config.yaml found in the
// default locations when path is empty. A missing file is not an error: the
// defaults and environment still apply.
func Load(path string) (*Settings, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is Load with command line flags on top. flags maps config
// keys to flags; only flags set on the command line override file and
// environment values.
func LoadWithFlags(path string, flags map[string]*pflag.Flag) (*Settings, error) {
	v, envErr := newViper()
	if envErr != nil {
		log.Warn("environment overrides rejected", "error", envErr)
	}
	for key, flag := range flags {
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, errors.New(fmt.Errorf("bind flag %s: %w", flag.Name, err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		paths, err := GetDefaultConfigPaths()
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("read config: %w", err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("path", path).
				Build()
		}
		log.Info("no config file found, using defaults")
	} else {
		log.Info("config file loaded", "path", v.ConfigFileUsed())
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("decode config: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}
	return settings, nil
}

// DefaultConfigYAML returns the annotated default config file
func DefaultConfigYAML() []byte {
	return append([]byte(nil), defaultConfigYAML...)
}
