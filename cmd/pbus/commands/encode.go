package commands

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pbus/pkg/config"
	"github.com/openfroyo/pbus/pkg/platform"
)

func newEncodeCommand() *cobra.Command {
	var (
		output string
		decode bool
	)

	cmd := &cobra.Command{
		Use:   "encode <device-name>",
		Short: "Encode a board file device in the descriptor wire format",
		Long: `Encode a device of the board file, children included, in the binary format
devhosts send with DEVICE_ADD. Without --output the encoding is printed as
base64.

With --decode the argument is a file holding an encoded descriptor, which
is printed as JSON.`,
		Example: `  # Print the encoding of aml-sd-emmc
  pbus encode aml-sd-emmc

  # Write it to a file and read it back
  pbus encode aml-sd-emmc -o emmc.bin
  pbus encode --decode emmc.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decode {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				var dev platform.DeviceDescriptor
				if err := dev.UnmarshalBinary(data); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), &dev)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var dev *platform.DeviceDescriptor
			for i := range cfg.Devices {
				if cfg.Devices[i].Name == args[0] {
					dev = &cfg.Devices[i].DeviceDescriptor
					break
				}
			}
			if dev == nil {
				return fmt.Errorf("board file %s has no device %q", configPath, args[0])
			}

			data, err := dev.MarshalBinary()
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, data, 0o644)
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the raw encoding to a file")
	cmd.Flags().BoolVar(&decode, "decode", false, "decode an encoded descriptor file")

	return cmd
}
