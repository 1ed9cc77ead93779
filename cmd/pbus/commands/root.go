package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// BuildInfo identifies the binary in --version output.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", b.Version, b.Commit, b.Date)
}

// Flags shared by every command.
var (
	configPath string
	socketPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the pbus command line until ctx is cancelled.
func Execute(ctx context.Context, build BuildInfo) error {
	return newRootCommand(build).ExecuteContext(ctx)
}

func newRootCommand(build BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "pbus",
		Short: "Platform bus broker",
		Long: `pbus brokers platform devices between a board driver and the drivers of
the devices it describes.

The daemon realizes the devices listed in a board file, keeps the protocol
registry drivers publish to and wait on, and serves both to devhosts over a
local socket. The other commands inspect a board file, the daemon's store,
or a running daemon.`,
		Version:       build.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupCLILogging(verbose)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "/etc/pbus/board.yaml", "board file path")
	flags.StringVar(&socketPath, "socket", "", "daemon socket (defaults to the board file's server address)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log debug output")
	flags.BoolVar(&jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newServeCommand(),
		newValidateCommand(),
		newDevicesCommand(),
		newBoardCommand(),
		newEventsCommand(),
		newEncodeCommand(),
	)
	return root
}

// setupCLILogging points the global logger at stderr for the client
// commands. PBUS_LOG_LEVEL picks the level unless verbose is set. The
// daemon builds its own logger from the board file, so the global level is
// left alone.
func setupCLILogging(verbose bool) {
	level, err := zerolog.ParseLevel(os.Getenv("PBUS_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
