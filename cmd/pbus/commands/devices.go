package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/stores"
)

func newDevicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and control platform devices",
		Long: `Inspect the devices recorded for the latest boot and enable or disable
devices on a running daemon.`,
	}

	cmd.AddCommand(newDevicesListCommand())
	cmd.AddCommand(newDevicesShowCommand())
	cmd.AddCommand(newDevicesEnableCommand(true))
	cmd.AddCommand(newDevicesEnableCommand(false))

	return cmd
}

func newDevicesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the devices of the latest boot",
		Example: `  pbus devices list
  pbus devices list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, boot, err := latestDevices(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, records)
			}

			fmt.Fprintf(out, "boot %s (%s rev %d)\n", boot.ID, boot.BoardName, boot.BoardRevision)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tTRIPLE\tDEVHOST\tSTATE")
			for _, r := range records {
				state := "enabled"
				if !r.Enabled {
					state = "disabled"
				}
				triple := platform.Triple{VID: r.VID, PID: r.PID, DID: r.DID}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Path, triple, r.Devhost, state)
			}
			return tw.Flush()
		},
	}
}

func newDevicesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show <vid:pid:did>",
		Short:   "Show a device of the latest boot",
		Example: `  pbus devices show 0x5:0x2:0xb`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			triple, err := parseTriple(args[0])
			if err != nil {
				return err
			}
			records, _, err := latestDevices(cmd)
			if err != nil {
				return err
			}

			var matches []*stores.DeviceRecord
			for _, r := range records {
				if (platform.Triple{VID: r.VID, PID: r.PID, DID: r.DID}) == triple {
					matches = append(matches, r)
				}
			}
			if len(matches) == 0 {
				return fmt.Errorf("no device %s in the latest boot", triple)
			}
			return printJSON(cmd.OutOrStdout(), matches)
		},
	}
}

func newDevicesEnableCommand(enable bool) *cobra.Command {
	use, short := "enable", "Enable a device on the running daemon"
	if !enable {
		use, short = "disable", "Disable a device on the running daemon"
	}

	return &cobra.Command{
		Use:     use + " <vid:pid:did>",
		Short:   short,
		Example: fmt.Sprintf("  pbus devices %s 0x5:0x2:0xb", use),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			triple, err := parseTriple(args[0])
			if err != nil {
				return err
			}

			c, err := dialDaemon(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.DeviceEnable(cmd.Context(), triple.VID, triple.PID, triple.DID, enable); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", triple, use)
			return nil
		},
	}
}

func latestDevices(cmd *cobra.Command) ([]*stores.DeviceRecord, *stores.Boot, error) {
	path, err := storePath()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cmd.Context(), path)
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()

	boot, err := store.LatestBoot(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	records, err := store.ListDevices(cmd.Context(), boot.ID)
	if err != nil {
		return nil, nil, err
	}
	return records, boot, nil
}
