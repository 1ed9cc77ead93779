package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pbus/pkg/platform"
)

func newBoardCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Query and update the board record of a running daemon",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "name",
		Short: "Print the board name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			name, err := c.BoardName(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "set-revision <revision>",
		Short:   "Set the board revision",
		Example: `  pbus board set-revision 2`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid revision %q: %w", args[0], err)
			}

			c, err := dialDaemon(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			return c.SetBoardInfo(cmd.Context(), &platform.BoardInfo{BoardRevision: uint32(rev)})
		},
	})

	return cmd
}
