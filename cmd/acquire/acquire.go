package acquire

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Gameminde/Chneowave-sub003/internal/app"
	"github.com/Gameminde/Chneowave-sub003/internal/buildinfo"
	"github.com/Gameminde/Chneowave-sub003/internal/conf"
)

// shutdownTimeout bounds the post-session drain of buses and consumers
const shutdownTimeout = 15 * time.Second

// Command creates the command that runs one acquisition session.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Run an acquisition session",
		Long: `Start one acquisition session on the preferred backend, or the first
available one, and publish data blocks until interrupted or until --duration
elapses. Without hardware the simulation backend is used.`,
		Example: `  sensorcore acquire --backend simulation --rate 32 --channels 8 --duration 1m
  sensorcore acquire --backend mqtt --record --record-dir ./takes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, build)
		},
	}

	setupFlags(cmd)
	return cmd
}

func run(ctx context.Context, settings *conf.Settings, build *buildinfo.Context) error {
	a, err := app.New(settings, build)
	if err != nil {
		return err
	}

	runErr := a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// setupFlags configures flags specific to the acquire command
func setupFlags(cmd *cobra.Command) {
	d := conf.Defaults()
	f := cmd.Flags()

	f.StringP("backend", "b", d.Acquisition.Backend, "Preferred backend: malgo, mqtt or simulation (empty selects automatically)")
	f.Float64P("rate", "r", d.Acquisition.SampleRate, "Sample rate in frames per second")
	f.IntP("channels", "n", d.Acquisition.Channels, "Channels per frame")
	f.String("device", d.Acquisition.Device, "Backend specific device id")
	f.Duration("duration", d.Acquisition.Duration, "Stop after this long (0 runs until interrupted)")
	f.Int("capacity", d.Buffer.CapacityPerChannel, "Ring buffer capacity per channel in frames")
	f.String("policy", d.Buffer.OverflowPolicy, "Overflow policy: block or overwrite")
	f.Bool("record", d.Recorder.Enabled, "Write each session to a WAV file")
	f.String("record-dir", d.Recorder.Path, "Directory for WAV recordings")
	f.Bool("metrics", d.Telemetry.Metrics.Enabled, "Serve Prometheus metrics")
	f.String("listen", d.Telemetry.Metrics.Listen, "Metrics listen address")

	for name, key := range map[string]string{
		"backend":    "acquisition.backend",
		"rate":       "acquisition.samplerate",
		"channels":   "acquisition.channels",
		"device":     "acquisition.device",
		"duration":   "acquisition.duration",
		"capacity":   "buffer.capacityperchannel",
		"policy":     "buffer.overflowpolicy",
		"record":     "recorder.enabled",
		"record-dir": "recorder.path",
		"metrics":    "telemetry.metrics.enabled",
		"listen":     "telemetry.metrics.listen",
	} {
		conf.BindFlag(f, name, key)
	}
}
