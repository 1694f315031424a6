package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Gameminde/Chneowave-sub003/internal/conf"
	"github.com/Gameminde/Chneowave-sub003/internal/errorbus"
	"github.com/Gameminde/Chneowave-sub003/internal/notification"
)

// Command returns a cobra command that sends a test notification through
// the configured shoutrrr URLs, the same way error bus messages are
// forwarded during acquisition.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		level    string
		source   string
		message  string
		urls     []string
		wait     time.Duration
		metadata []string
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send a test notification",
		Long: `Publish one message on a private error bus with notification forwarding
attached, then wait for it to be delivered.

Examples:
  sensorcore notify --level=critical --message="Test"
  sensorcore notify --url "logger://" --metadata="session_id=abc" --metadata="backend=mqtt"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := errorbus.ParseLevel(level)
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				urls = settings.Notification.URLs
			}
			provider, err := notification.NewShoutrrrProvider("shoutrrr", urls, wait)
			if err != nil {
				return err
			}

			msg := errorbus.Message{Level: lvl, Source: source, Message: message}
			for _, m := range metadata {
				k, v, ok := strings.Cut(m, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid metadata %q, want key=value", m)
				}
				if msg.Context == nil {
					msg.Context = make(map[string]any)
				}
				msg.Context[k] = v
			}

			return send(cmd.Context(), provider, settings.Notification.Title, msg, wait)
		},
	}

	cmd.Flags().StringVar(&level, "level", "ERROR", "Message level: info, warning, error, critical")
	cmd.Flags().StringVar(&source, "source", "cli", "Message source")
	cmd.Flags().StringVar(&message, "message", "test notification", "Message text")
	cmd.Flags().StringSliceVar(&urls, "url", nil, "Shoutrrr URL, overrides notification.urls (repeatable)")
	cmd.Flags().DurationVar(&wait, "wait", notification.DefaultSendTimeout, "How long to wait for delivery")
	cmd.Flags().StringArrayVar(&metadata, "metadata", nil, "Context as key=value (repeatable)")

	return cmd
}

// send publishes one message and waits until the forwarder has handled it
func send(ctx context.Context, provider notification.Provider, title string, msg errorbus.Message, wait time.Duration) error {
	bus := errorbus.New()
	defer func() { _ = bus.Close(wait) }()

	fwd := notification.NewForwarder(bus, provider,
		notification.WithMinLevel(errorbus.Info),
		notification.WithTitle(title),
		notification.WithSendTimeout(wait),
		notification.WithThrottle(0),
	)
	if err := fwd.Start(); err != nil {
		return err
	}
	defer func() { _ = fwd.Stop() }()

	msg.Timestamp = time.Now()
	bus.Publish(msg)

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		sent, failed, _ := fwd.Stats()
		switch {
		case sent > 0:
			return nil
		case failed > 0:
			return fmt.Errorf("notification via %s failed, see log for details", provider.Name())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("notification not delivered within %v", wait)
		case <-tick.C:
		}
	}
}
