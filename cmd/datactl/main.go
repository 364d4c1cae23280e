// datactl: a clipboard selection broker for multi-seat compositors.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "datactl",
		Short: "Clipboard selection broker",
		Long: `datactl tracks which client owns the clipboard selection on each seat
and tells every interested client when it changes. Only the client holding
keyboard focus on a seat may change that seat's selection.

Run "datactl server" once per session. Clients speak the line protocol or
gRPC on the local socket; "datactl focus" is the compositor's hook for
moving keyboard focus.

Config file search order (first found wins):
  /etc/datactl/datactl.toml
  $HOME/.config/datactl/datactl.toml
  path supplied via --config

All flags can be set via DATACTL_<FLAG> env vars or config-file keys.
See "datactl server --help" for the full flag reference.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServerCmd(),
		newStatusCmd(),
		newFocusCmd(),
		newWatchCmd(),
		newOfferCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("datactl %s\n", Version)
		},
	}
}
