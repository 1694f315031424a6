package devices

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Gameminde/Chneowave-sub003/internal/app"
	"github.com/Gameminde/Chneowave-sub003/internal/conf"
)

// Command creates the command that probes every enabled backend.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List acquisition backends and their devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			results := app.NewRegistry(settings, nil).DetectAll()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tAVAILABLE\tDEVICES")
			for _, name := range slices.Sorted(maps.Keys(results)) {
				r := results[name]
				devices := "-"
				switch {
				case r.Err != nil:
					devices = "error: " + r.Err.Error()
				case len(r.Devices) > 0:
					ids := make([]string, len(r.Devices))
					for i, d := range r.Devices {
						ids[i] = string(d)
					}
					devices = strings.Join(ids, ", ")
				}
				fmt.Fprintf(w, "%s\t%t\t%s\n", name, r.Available, devices)
			}
			return w.Flush()
		},
	}
}
