package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Gameminde/Chneowave-sub003/internal/conf"
	"github.com/Gameminde/Chneowave-sub003/internal/notification"
)

const redacted = "[REDACTED]"

// Command creates the config command group. configPath is the value of the
// root --config flag.
func Command(settings *conf.Settings, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(initCommand(configPath), showCommand(settings))
	return cmd
}

func initCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write the annotated default config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				paths, err := conf.GetDefaultConfigPaths()
				if err != nil {
					return err
				}
				// the first search path that is not the working directory
				path = filepath.Join(paths[min(1, len(paths)-1)], "config.yaml")
			}
			if err := conf.WriteDefaultConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := conf.Dump(redact(settings))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// redact returns a copy of s without credentials
func redact(s *conf.Settings) *conf.Settings {
	c := *s
	if c.Backends.MQTT.Password != "" {
		c.Backends.MQTT.Password = redacted
	}
	if c.Telemetry.Sentry.DSN != "" {
		c.Telemetry.Sentry.DSN = redacted
	}
	if len(c.Notification.URLs) > 0 {
		urls := make([]string, len(c.Notification.URLs))
		for i, u := range c.Notification.URLs {
			urls[i] = notification.RedactURLs(u)
		}
		c.Notification.URLs = urls
	}
	return &c
}
