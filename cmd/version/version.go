package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Gameminde/Chneowave-sub003/internal/buildinfo"
	"github.com/Gameminde/Chneowave-sub003/internal/conf"
)

// Command creates the command that prints build metadata.
func Command(build *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", conf.AppName, build.GetVersion())
			fmt.Fprintf(out, "built:     %s\n", build.GetBuildDate())
			fmt.Fprintf(out, "system id: %s\n", build.GetSystemID())
		},
	}
}
