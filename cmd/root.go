package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Gameminde/Chneowave-sub003/cmd/acquire"
	"github.com/Gameminde/Chneowave-sub003/cmd/config"
	"github.com/Gameminde/Chneowave-sub003/cmd/devices"
	"github.com/Gameminde/Chneowave-sub003/cmd/notify"
	"github.com/Gameminde/Chneowave-sub003/cmd/version"
	"github.com/Gameminde/Chneowave-sub003/internal/buildinfo"
	"github.com/Gameminde/Chneowave-sub003/internal/conf"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
)

// RootCommand creates the root command. settings is filled in before any
// subcommand runs: defaults, then the config file, then SENSORCORE_
// environment variables, then flags given on the command line.
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var (
		configPath  string
		closeLogger func() error
	)

	rootCmd := &cobra.Command{
		Use:           conf.AppName,
		Short:         "Multichannel sensor acquisition",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	setupFlags(rootCmd, &configPath)

	versionCmd := version.Command(build)
	rootCmd.AddCommand(
		acquire.Command(settings, build),
		devices.Command(settings),
		config.Command(settings, &configPath),
		notify.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs no configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		loaded, err := conf.LoadWithFlags(configPath, conf.BoundFlags(cmd.Flags()))
		if err != nil {
			return err
		}
		*settings = *loaded

		closeLogger, err = initLogging(settings)
		return err
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if closeLogger == nil {
			return nil
		}
		return closeLogger()
	}

	return rootCmd
}

func setupFlags(rootCmd *cobra.Command, configPath *string) {
	defaults := conf.Defaults()
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(configPath, "config", "c", "", "Path to config.yaml (default: search ., ~/.config/sensorcore, /etc/sensorcore)")
	pf.BoolP("debug", "d", defaults.Debug, "Enable debug output")
	pf.String("log-level", defaults.Log.Level, "Log level: trace, debug, info, warn, error")
	pf.String("log-format", defaults.Log.Format, "Console log format: text or json")

	conf.BindFlag(pf, "debug", "debug")
	conf.BindFlag(pf, "log-level", "log.level")
	conf.BindFlag(pf, "log-format", "log.format")
}

func initLogging(settings *conf.Settings) (func() error, error) {
	level, err := logging.ParseLevel(settings.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if settings.Debug {
		level = min(level, slog.LevelDebug)
	}

	opts := logging.Options{Level: level, Format: settings.Log.Format}
	if f := settings.Log.File; f.Enabled {
		opts.FilePath = f.Path
		opts.Rotation = logging.RotationConfig{
			MaxSizeMB:  f.MaxSize,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAge,
			Compress:   f.Compress,
		}
	}
	return logging.Setup(opts)
}
