package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bluetooth-obd/internal/config"
)

// cli carries state shared by every subcommand of one invocation.
type cli struct {
	v       *viper.Viper
	cfgPath string
	verbose bool
	wire    wireFunc
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(wireDialer)
}

func newRootCmdWith(wire wireFunc) *cobra.Command {
	c := &cli{v: viper.New(), wire: wire}

	rootCmd := &cobra.Command{
		Use:           "obdctl",
		Short:         "Talk to an OBD-II adapter over Bluetooth SPP",
		Long:          "obdctl opens a Serial Port Profile session to an ELM327-style OBD-II adapter, sends commands and prints the adapter's replies.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "", "config file (default "+filepath.Join(config.DefaultDir(), config.FileName)+")")
	pf.String("address", "", "adapter Bluetooth address, e.g. 00:1D:A5:68:98:8B")
	pf.String("name", "", "adapter display name")
	pf.String("transport", "", "link transport: profile, socket or serial")
	pf.String("serial-path", "", "serial device for the serial transport")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "log at debug level")

	_ = c.v.BindPFlag("device.address", pf.Lookup("address"))
	_ = c.v.BindPFlag("device.name", pf.Lookup("name"))
	_ = c.v.BindPFlag("link.transport", pf.Lookup("transport"))
	_ = c.v.BindPFlag("link.serial_path", pf.Lookup("serial-path"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newCheckCmd(c),
		newQueryCmd(c),
		newShellCmd(c),
	)

	return rootCmd
}
