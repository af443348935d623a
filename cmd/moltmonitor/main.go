// Command moltmonitor polls the Moltbook API through the reverse proxy under
// strict request governance and serves health and status endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "moltmonitor",
		Short:         "Moltbook activity monitor",
		Long:          "Polls Moltbook endpoint categories on adaptive schedules within rate, backoff and robots limits.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")

	root.AddCommand(newRunCmd(), newHealthCmd(), newStatusCmd(), newLookupCmd(), newVersionCmd(), newExampleConfigCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
