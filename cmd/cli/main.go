package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"patchbay/transport"
)

var (
	controlGroup    string
	jackPort        int
	preferredSubnet string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "patchctl",
		Short: "patchctl - patch network control",
		Long:  `patchctl speaks the control multicast directly: it can watch directive traffic on a segment and halt every node on it.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&controlGroup, "group", "239.0.0.0:19874", "Control multicast group")
	rootCmd.PersistentFlags().IntVar(&jackPort, "jack-port", 19991, "Audio stream port")
	rootCmd.PersistentFlags().StringVar(&preferredSubnet, "subnet", "10.0.0.0/8", "Preferred interface subnet")

	// Add subcommands
	rootCmd.AddCommand(haltCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(groupsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dialControl joins the control group with no jacks of its own.
func dialControl() (transport.Network, error) {
	return transport.NewNativeNetwork(0, 0, transport.NativeConfig{
		ControlAddr:     controlGroup,
		JackPort:        jackPort,
		PreferredSubnet: preferredSubnet,
		Logger:          hclog.NewNullLogger(),
	})
}
