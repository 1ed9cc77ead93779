package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pbus/pkg/broker"
	"github.com/openfroyo/pbus/pkg/config"
	"github.com/openfroyo/pbus/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		noPolicy bool
	)

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a board file",
		Long: `Validate a YAML, JSON or CUE board file.

This command checks:
  - syntax and, for CUE files, conformance to the board schema
  - field constraints and every device descriptor
  - that the devices can be added in order: no collisions, budgets respected
  - admission policies (built-in and configured)`,
		Example: `  # Validate the default board file
  pbus validate

  # Validate a CUE board package
  pbus validate ./boards/vim2

  # Skip admission policies
  pbus validate --no-policy board.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}

			log.Debug().Str("path", path).Bool("policy", !noPolicy).Msg("Validating board file")

			if err := validateBoardFile(cmd.Context(), cmd.OutOrStdout(), path, !noPolicy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip admission policies")

	return cmd
}

// validateBoardFile loads path and adds its devices to a throwaway broker.
// Load errors are listed one per line on w.
func validateBoardFile(ctx context.Context, w io.Writer, path string, withPolicy bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				fmt.Fprintln(w, e.String())
			}
			return fmt.Errorf("%s: %d error(s)", path, len(verrs))
		}
		return err
	}

	opts := broker.Options{
		Board:            cfg.Board.Record(),
		AllowSharedBTIs:  cfg.Board.AllowSharedBTIs,
		ProtocolPolicy:   broker.ProtocolPolicy(cfg.Broker.ProtocolPolicy),
		MaxMetadataBytes: cfg.Broker.MaxMetadataBytes,
		MaxDevices:       cfg.Broker.MaxDevices,
	}

	if withPolicy && !cfg.Policy.Disabled {
		engine, err := policy.NewEngine(log.Logger)
		if err != nil {
			return err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := engine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return err
			}
		}
		opts.Policy = engine
	}

	b, err := broker.New(ctx, opts)
	if err != nil {
		return err
	}
	return addDevices(ctx, b, cfg.Devices)
}
