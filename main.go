package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gameminde/Chneowave-sub003/cmd"
	"github.com/Gameminde/Chneowave-sub003/internal/buildinfo"
	"github.com/Gameminde/Chneowave-sub003/internal/conf"
)

// Set with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   string
	buildDate string
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := conf.Defaults()
	build := buildinfo.NewContext(version, buildDate, "")

	if err := cmd.RootCommand(settings, build).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
