package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synapse-mesh/synapse-relay/internal/config"
	"github.com/synapse-mesh/synapse-relay/internal/daemon"
)

func main() {
	root := &cobra.Command{
		Use:   "synapse",
		Short: "synapse-relay: store-and-forward signal relay node",
		Long:  "Relays typed UDP signals across a mesh of peers, buffering for offline targets and aggregating delivery statistics.",
	}
	root.PersistentFlags().String("socket", defaultSocket(), "Path to the daemon's control socket")

	root.AddCommand(
		serveCmd(),
		relayCmd(),
		rulesCmd(),
		statsCmd(),
		bufferCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultSocket() string {
	return config.Default().SocketPath
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return daemon.Run(cfg, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	return cmd
}
