package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pbus/cmd/pbus/commands"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := commands.Execute(ctx, commands.BuildInfo{Version: Version, Commit: Commit, Date: BuildDate})
	stop()
	if err != nil {
		log.Error().Err(err).Msg("pbus failed")
		os.Exit(1)
	}
}
