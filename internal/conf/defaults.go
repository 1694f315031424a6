package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers every key so that env overrides and
// Unmarshal see the full tree even without a config file
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "logs/sensorcore.log")
	v.SetDefault("log.file.maxsize", 100)
	v.SetDefault("log.file.maxbackups", 3)
	v.SetDefault("log.file.maxage", 28)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("acquisition.samplerate", 32.0)
	v.SetDefault("acquisition.channels", 8)
	v.SetDefault("acquisition.backend", "")
	v.SetDefault("acquisition.device", "")
	v.SetDefault("acquisition.duration", time.Duration(0))
	v.SetDefault("acquisition.draininterval", 100*time.Millisecond)
	v.SetDefault("acquisition.maxblocksamples", 0)
	v.SetDefault("acquisition.stoptimeout", 5*time.Second)
	v.SetDefault("acquisition.maxconsecutivefull", 5)

	v.SetDefault("buffer.capacityperchannel", 4096)
	v.SetDefault("buffer.overflowpolicy", "block")
	v.SetDefault("buffer.blocktimeout", time.Duration(0))
	v.SetDefault("buffer.warnthreshold", 80.0)
	v.SetDefault("buffer.simdalignment", 0)
	v.SetDefault("buffer.memorybudget", int64(0))

	v.SetDefault("eventbus.closetimeout", 5*time.Second)

	v.SetDefault("errorbus.historysize", 1000)
	v.SetDefault("errorbus.dedupwindow", time.Duration(0))
	v.SetDefault("errorbus.closetimeout", 5*time.Second)

	v.SetDefault("backends.malgo.enabled", true)
	v.SetDefault("backends.malgo.devicerate", 48000)
	v.SetDefault("backends.malgo.bufferframes", 512)
	v.SetDefault("backends.malgo.gain", 1.0)
	v.SetDefault("backends.malgo.stoptimeout", 2*time.Second)

	v.SetDefault("backends.mqtt.enabled", false)
	v.SetDefault("backends.mqtt.broker", "")
	v.SetDefault("backends.mqtt.clientid", AppName)
	v.SetDefault("backends.mqtt.username", "")
	v.SetDefault("backends.mqtt.password", "")
	v.SetDefault("backends.mqtt.topics", []string{})
	v.SetDefault("backends.mqtt.qos", 0)
	v.SetDefault("backends.mqtt.probetimeout", 2*time.Second)
	v.SetDefault("backends.mqtt.connecttimeout", 10*time.Second)
	v.SetDefault("backends.mqtt.reassemblybytes", 64*1024)

	v.SetDefault("backends.simulation.blocksize", 0)
	v.SetDefault("backends.simulation.noise", 0.01)
	v.SetDefault("backends.simulation.seed", 1)
	v.SetDefault("backends.simulation.timescale", 1.0)
	v.SetDefault("backends.simulation.amplitude", 1.0)

	v.SetDefault("telemetry.metrics.enabled", false)
	v.SetDefault("telemetry.metrics.listen", "127.0.0.1:9090")
	v.SetDefault("telemetry.sentry.enabled", false)
	v.SetDefault("telemetry.sentry.dsn", "")
	v.SetDefault("telemetry.sentry.environment", "production")
	v.SetDefault("telemetry.sentry.minlevel", "CRITICAL")

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.urls", []string{})
	v.SetDefault("notification.minlevel", "ERROR")
	v.SetDefault("notification.title", "sensorcore")
	v.SetDefault("notification.ratelimitwindow", time.Minute)
	v.SetDefault("notification.ratelimitmaxevents", 10)

	v.SetDefault("recorder.enabled", false)
	v.SetDefault("recorder.path", "recordings")
	v.SetDefault("recorder.bitdepth", 32)
}
