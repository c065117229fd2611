// Command relaychat runs the chat relay server and a terminal client for it.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/relaychat/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "relaychat",
		Short:         "Two-party real-time chat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newConnectCmd(&configPath))
	return root
}
