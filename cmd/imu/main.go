// Command imu runs the host side of the IMU link and talks to a running link
// over its HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/williamyang98/QuaternionIMU/internal/version"
)

const defaultServer = "http://localhost:8080"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imu",
		Short:         "host link for the quaternion IMU",
		Long:          "imu reads the framed sensor stream, fuses it into an orientation estimate and serves it over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("server", defaultServer, "base URL of a running link, used by the remote commands")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newMeasureCmd())
	root.AddCommand(newCalibrateCmd())
	root.AddCommand(newBusCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
